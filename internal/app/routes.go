package app

// RegisterRoutes wires the operational API. This surface is for operators
// and the chat-UI process, not end users; deploys keep it on an internal
// network.
func (a *App) RegisterRoutes() {
	a.Echo.GET("/healthz", a.health)

	api := a.Echo.Group("/api")

	api.GET("/users/:id/status", a.userStatus)
	api.POST("/users/:id/start", a.startForwarder)
	api.POST("/users/:id/stop", a.stopForwarder)

	api.GET("/users/:id/sources", a.listSources)
	api.POST("/users/:id/sources", a.addSources)
	api.DELETE("/users/:id/sources/:channel_id", a.removeSource)

	api.PUT("/users/:id/destination", a.setDestination)
	api.DELETE("/users/:id/destination", a.clearDestination)
}
