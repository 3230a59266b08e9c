package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/tokenmeter/internal/charge"
	"github.com/smallbiznis/tokenmeter/internal/clock"
	"github.com/smallbiznis/tokenmeter/internal/config"
	"github.com/smallbiznis/tokenmeter/internal/observability"
	"github.com/smallbiznis/tokenmeter/internal/payment"
	"github.com/smallbiznis/tokenmeter/internal/ratelimit"
	"github.com/smallbiznis/tokenmeter/internal/scheduler"
	"github.com/smallbiznis/tokenmeter/internal/usage"
	"github.com/smallbiznis/tokenmeter/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,

		// Domain services required by the sweep
		usage.Module,
		charge.Module,
		payment.Module,
		ratelimit.Module,

		// No server module!
		scheduler.Module,
	)
	app.Run()
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(3)
	if err != nil {
		panic(err)
	}
	return node
}
