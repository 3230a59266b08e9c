package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/tokenmeter/internal/clock"
	"github.com/smallbiznis/tokenmeter/internal/config"
	"github.com/smallbiznis/tokenmeter/internal/migration"
	"github.com/smallbiznis/tokenmeter/internal/observability"
	"github.com/smallbiznis/tokenmeter/internal/scheduler"
	"github.com/smallbiznis/tokenmeter/internal/server"
	"github.com/smallbiznis/tokenmeter/pkg/db"
	"go.uber.org/fx"
)

// Single binary running the HTTP API and the pending charge sweep.
func main() {
	app := fx.New(
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		migration.Module,

		server.Module,
		scheduler.Module,
	)
	app.Run()
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(1)
	if err != nil {
		panic(err)
	}
	return node
}
