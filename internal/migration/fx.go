package migration

import (
	"strings"

	accountdomain "github.com/promptship/promptship/internal/account/domain"
	auditdomain "github.com/promptship/promptship/internal/audit/domain"
	billingdomain "github.com/promptship/promptship/internal/billing/domain"
	deploymentdomain "github.com/promptship/promptship/internal/deployment/domain"
	domainregdomain "github.com/promptship/promptship/internal/domainreg/domain"
	usagedomain "github.com/promptship/promptship/internal/usage/domain"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

var Module = fx.Module("migrations",
	fx.Invoke(func(conn *gorm.DB) error {
		// sqlite is the dev/test path; versioned SQL targets postgres.
		if strings.EqualFold(conn.Dialector.Name(), "sqlite") {
			return conn.AutoMigrate(
				&accountdomain.User{},
				&deploymentdomain.Deployment{},
				&usagedomain.UsageRecord{},
				&auditdomain.AuditLog{},
				&billingdomain.BillingRecord{},
				&domainregdomain.Domain{},
			)
		}

		sqlDB, err := conn.DB()
		if err != nil {
			return err
		}
		return RunMigrations(sqlDB)
	}),
)
