package memory

import (
	"testing"

	"github.com/marmos91/dittobackup/pkg/store/account"
	accounttesting "github.com/marmos91/dittobackup/pkg/store/account/testing"
)

func TestMemoryAccountDatabase(t *testing.T) {
	suite := &accounttesting.DatabaseTestSuite{
		NewDatabase: func(t *testing.T) account.Database { return New() },
	}
	suite.Run(t)
}
