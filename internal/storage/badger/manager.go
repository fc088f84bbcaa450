// -----------------------------------------------------------------------
// Storage Manager - owns the badger connection and typed storages
// -----------------------------------------------------------------------

package badger

import (
	badger "github.com/dgraph-io/badger/v4"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/codestory/internal/common"
	"github.com/ternarybob/codestory/internal/interfaces"
)

// Manager wires the badger connection to the typed storages.
type Manager struct {
	db           *BadgerDB
	jobStorage   interfaces.JobStorage
	eventStorage interfaces.EventStorage
	logger       arbor.ILogger
}

// NewManager opens the database and constructs the storages.
func NewManager(logger arbor.ILogger, config *common.BadgerConfig) (*Manager, error) {
	db, err := NewBadgerDB(logger, config)
	if err != nil {
		return nil, err
	}

	return &Manager{
		db:           db,
		jobStorage:   NewJobStorage(db, logger),
		eventStorage: NewEventStorage(db, logger),
		logger:       logger,
	}, nil
}

// DB returns the underlying connection for packages that manage their own
// buckets (the graph store).
func (m *Manager) DB() *BadgerDB {
	return m.db
}

func (m *Manager) JobStorage() interfaces.JobStorage {
	return m.jobStorage
}

func (m *Manager) EventStorage() interfaces.EventStorage {
	return m.eventStorage
}

// RunValueLogGC triggers badger value-log garbage collection. Called from
// the cron maintenance schedule. A no-rewrite pass is not an error.
func (m *Manager) RunValueLogGC() error {
	err := m.db.Store().Badger().RunValueLogGC(0.5)
	if err == badger.ErrNoRewrite {
		return nil
	}
	return err
}

func (m *Manager) Close() error {
	return m.db.Close()
}
