package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/promptship/promptship/internal/account"
	"github.com/promptship/promptship/internal/audit"
	"github.com/promptship/promptship/internal/billing"
	"github.com/promptship/promptship/internal/clock"
	"github.com/promptship/promptship/internal/config"
	"github.com/promptship/promptship/internal/deployment"
	"github.com/promptship/promptship/internal/domainreg"
	"github.com/promptship/promptship/internal/migration"
	"github.com/promptship/promptship/internal/observability"
	"github.com/promptship/promptship/internal/providers"
	"github.com/promptship/promptship/internal/quota"
	"github.com/promptship/promptship/internal/ratelimit"
	"github.com/promptship/promptship/internal/server"
	"github.com/promptship/promptship/internal/sweeper"
	"github.com/promptship/promptship/internal/usage"
	"github.com/promptship/promptship/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		// Core infrastructure
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		migration.Module,
		ratelimit.Module,

		// Functional domains
		audit.Module,
		account.Module,
		usage.Module,
		quota.Module,
		domainreg.Module,
		providers.Module,
		deployment.Module,
		billing.Module,
		sweeper.Module,

		server.Module,
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
