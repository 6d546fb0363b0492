package types

import (
	"encoding/json"
	"fmt"
	"time"

	"cosmossdk.io/math"
)

// Job identifies one paid computation request.
type Job struct {
	ID                 string    `json:"id"`
	Payer              string    `json:"payer"`
	InputHash          string    `json:"input_hash"`
	Payment            math.Int  `json:"payment"`
	Token              string    `json:"token"`
	ModelID            string    `json:"model_id"`
	CreatedAt          time.Time `json:"created_at"`
	CommitmentDeadline time.Time `json:"commitment_deadline"`
	SubmissionDeadline time.Time `json:"submission_deadline"`
	TxHash             string    `json:"tx_hash,omitempty"`
	State              JobState  `json:"-"`
}

// Status returns the job status derived from its state.
func (j *Job) Status() Status {
	if j.State == nil {
		return StatusCreated
	}
	return j.State.Status()
}

// Worker returns the committed worker, or "" before commit.
func (j *Job) Worker() string {
	return workerOf(j.State)
}

// Commitment returns the commit-phase data for any job that reached COMMITTED.
func (j *Job) Commitment() (CommittedState, bool) {
	switch st := j.State.(type) {
	case CommittedState:
		return st, true
	case SubmittedState:
		return st.CommittedState, true
	case VerifiedState:
		return st.CommittedState, true
	case RejectedState:
		return st.CommittedState, true
	case DisputedState:
		if st.Prior != nil {
			inner := &Job{State: st.Prior}
			return inner.Commitment()
		}
	}
	return CommittedState{}, false
}

// Submission returns the submit-phase data for any job that reached SUBMITTED.
func (j *Job) Submission() (SubmittedState, bool) {
	switch st := j.State.(type) {
	case SubmittedState:
		return st, true
	case VerifiedState:
		return st.SubmittedState, true
	case RejectedState:
		return st.SubmittedState, true
	case DisputedState:
		if st.Prior != nil {
			inner := &Job{State: st.Prior}
			return inner.Submission()
		}
	}
	return SubmittedState{}, false
}

// Settlement returns the settlement that closed the job, if any.
func (j *Job) Settlement() (Settlement, bool) {
	switch st := j.State.(type) {
	case VerifiedState:
		return st.Settlement, true
	case RejectedState:
		return st.Settlement, true
	case ExpiredState:
		if st.Refund != nil {
			return *st.Refund, true
		}
	case DisputedState:
		if st.Resolution != nil {
			return *st.Resolution, true
		}
	}
	return Settlement{}, false
}

// Clone returns a deep copy safe to hand outside the ledger.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	out := *j
	out.State = cloneState(j.State)
	return &out
}

func cloneState(s JobState) JobState {
	switch st := s.(type) {
	case SubmittedState:
		st.Source = cloneSource(st.Source)
		return st
	case VerifiedState:
		st.Source = cloneSource(st.Source)
		return st
	case RejectedState:
		st.Source = cloneSource(st.Source)
		return st
	case ExpiredState:
		if st.Refund != nil {
			r := *st.Refund
			st.Refund = &r
		}
		return st
	case DisputedState:
		if st.Resolution != nil {
			r := *st.Resolution
			st.Resolution = &r
		}
		st.Prior = cloneState(st.Prior)
		return st
	default:
		return s
	}
}

func cloneSource(src *ProofSource) *ProofSource {
	if src == nil {
		return nil
	}
	out := *src
	return &out
}

// Validate performs stateless validation of the immutable job fields.
func (j *Job) Validate() error {
	if j.ID == "" {
		return fmt.Errorf("job id is required")
	}
	if j.Payer == "" {
		return fmt.Errorf("payer is required")
	}
	if j.InputHash == "" {
		return fmt.Errorf("input hash is required")
	}
	if j.ModelID == "" {
		return fmt.Errorf("model id is required")
	}
	if j.Token == "" {
		return fmt.Errorf("payment token is required")
	}
	if j.Payment.IsNil() || !j.Payment.IsPositive() {
		return fmt.Errorf("payment must be positive")
	}
	if !j.CommitmentDeadline.After(j.CreatedAt) {
		return fmt.Errorf("commitment deadline must be after creation")
	}
	if j.SubmissionDeadline.Before(j.CommitmentDeadline) {
		return fmt.Errorf("submission deadline must not precede commitment deadline")
	}
	return nil
}

type stateEnvelope struct {
	Status Status          `json:"status"`
	Data   json.RawMessage `json:"data"`
	Prior  *stateEnvelope  `json:"prior,omitempty"`
}

type jobRecord struct {
	ID                 string        `json:"id"`
	Payer              string        `json:"payer"`
	InputHash          string        `json:"input_hash"`
	Payment            math.Int      `json:"payment"`
	Token              string        `json:"token"`
	ModelID            string        `json:"model_id"`
	CreatedAt          time.Time     `json:"created_at"`
	CommitmentDeadline time.Time     `json:"commitment_deadline"`
	SubmissionDeadline time.Time     `json:"submission_deadline"`
	TxHash             string        `json:"tx_hash,omitempty"`
	Status             Status        `json:"status"`
	Worker             string        `json:"worker,omitempty"`
	State              stateEnvelope `json:"state"`
}

func encodeState(s JobState) (stateEnvelope, error) {
	if s == nil {
		s = CreatedState{}
	}
	data, err := json.Marshal(s)
	if err != nil {
		return stateEnvelope{}, err
	}
	env := stateEnvelope{Status: s.Status(), Data: data}
	if d, ok := s.(DisputedState); ok && d.Prior != nil {
		prior, err := encodeState(d.Prior)
		if err != nil {
			return stateEnvelope{}, err
		}
		env.Prior = &prior
	}
	return env, nil
}

func decodeState(env stateEnvelope) (JobState, error) {
	switch env.Status {
	case StatusCreated, "":
		return CreatedState{}, nil
	case StatusCommitted:
		var st CommittedState
		err := json.Unmarshal(env.Data, &st)
		return st, err
	case StatusSubmitted:
		var st SubmittedState
		err := json.Unmarshal(env.Data, &st)
		return st, err
	case StatusVerified:
		var st VerifiedState
		err := json.Unmarshal(env.Data, &st)
		return st, err
	case StatusRejected:
		var st RejectedState
		err := json.Unmarshal(env.Data, &st)
		return st, err
	case StatusExpired:
		var st ExpiredState
		err := json.Unmarshal(env.Data, &st)
		return st, err
	case StatusDisputed:
		var st DisputedState
		if err := json.Unmarshal(env.Data, &st); err != nil {
			return nil, err
		}
		if env.Prior != nil {
			prior, err := decodeState(*env.Prior)
			if err != nil {
				return nil, err
			}
			st.Prior = prior
		}
		return st, nil
	default:
		return nil, fmt.Errorf("unknown job status %q", env.Status)
	}
}

// MarshalJSON flattens the tagged state into a single record.
func (j Job) MarshalJSON() ([]byte, error) {
	env, err := encodeState(j.State)
	if err != nil {
		return nil, err
	}
	return json.Marshal(jobRecord{
		ID:                 j.ID,
		Payer:              j.Payer,
		InputHash:          j.InputHash,
		Payment:            j.Payment,
		Token:              j.Token,
		ModelID:            j.ModelID,
		CreatedAt:          j.CreatedAt,
		CommitmentDeadline: j.CommitmentDeadline,
		SubmissionDeadline: j.SubmissionDeadline,
		TxHash:             j.TxHash,
		Status:             j.Status(),
		Worker:             j.Worker(),
		State:              env,
	})
}

// UnmarshalJSON rebuilds the tagged state from a flattened record.
func (j *Job) UnmarshalJSON(bz []byte) error {
	var rec jobRecord
	if err := json.Unmarshal(bz, &rec); err != nil {
		return err
	}
	state, err := decodeState(rec.State)
	if err != nil {
		return err
	}
	*j = Job{
		ID:                 rec.ID,
		Payer:              rec.Payer,
		InputHash:          rec.InputHash,
		Payment:            rec.Payment,
		Token:              rec.Token,
		ModelID:            rec.ModelID,
		CreatedAt:          rec.CreatedAt,
		CommitmentDeadline: rec.CommitmentDeadline,
		SubmissionDeadline: rec.SubmissionDeadline,
		TxHash:             rec.TxHash,
		State:              state,
	}
	return nil
}
