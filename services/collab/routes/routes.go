// Copyright (C) 2026 DevSync AI (engineering@devsync.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package routes

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/devsync-ai/devsync/services/collab/handlers"
	"github.com/devsync-ai/devsync/services/collab/middleware"
)

// Deps holds the handlers routed by SetupRoutes. Execute may be nil when no
// sandbox credentials are configured; the run endpoint is simply not
// registered.
type Deps struct {
	Socket   *handlers.SocketHandler
	Execute  *handlers.ExecuteHandler
	Verifier middleware.TokenVerifier
}

// SetupRoutes registers all collaboration service routes.
func SetupRoutes(router *gin.Engine, deps Deps) {
	if deps.Socket == nil {
		panic("routes: socket handler is required")
	}
	if deps.Verifier == nil {
		panic("routes: token verifier is required")
	}

	router.GET("/health", handlers.HealthCheck)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// API version 1 group
	v1 := router.Group("/v1")
	{
		// Admission happens inside the socket handler, before the
		// upgrade; no middleware here.
		v1.GET("/collab/ws", deps.Socket.Handle)

		if deps.Execute != nil {
			v1.POST("/code/run", middleware.AuthMiddleware(deps.Verifier), deps.Execute.Run)
		}
	}
}
