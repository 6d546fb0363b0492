package api

// registerRoutes registers all API routes
func (s *Server) registerRoutes() {
	api := s.router.Group("/api")
	{
		api.GET("/params", s.handleGetParams)

		jobs := api.Group("/jobs")
		{
			jobs.GET("", s.handleListJobs)
			jobs.POST("", s.handleCreateJob)
			jobs.GET("/:id", s.handleGetJob)
			jobs.POST("/:id/commit", s.handleCommit)
			jobs.POST("/:id/submit", s.handleSubmit)
			jobs.POST("/:id/settle", s.handleSettle)
			jobs.POST("/:id/finalize", s.handleFinalize)
			jobs.POST("/:id/challenge", s.handleChallenge)
			jobs.POST("/:id/refund", s.handleClaimRefund)

			// Operator routes
			operator := jobs.Group("")
			operator.Use(s.OperatorAuthMiddleware())
			{
				operator.POST("/:id/dispute", s.handleDispute)
				operator.POST("/:id/resolve", s.handleResolve)
			}
		}

		stake := api.Group("/workers/:worker/stake")
		{
			stake.GET("", s.handleGetStake)
			stake.POST("/deposit", s.handleDepositStake)
			stake.POST("/withdraw", s.handleWithdrawStake)
		}

		api.POST("/orders", s.handleCreateOrder)
		api.GET("/archive/:payer", s.handleListArchive)

		auth := api.Group("/auth")
		auth.Use(s.OperatorAuthMiddleware())
		{
			auth.POST("/token/renew", s.handleRenewToken)
		}
	}

	s.router.GET("/ws/events", s.handleWebSocket)
}
