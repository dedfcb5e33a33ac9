package memory_test

import (
	"testing"

	"github.com/jkaninda/crucible/internal/storage"
	"github.com/jkaninda/crucible/internal/storage/memory"
	"github.com/jkaninda/crucible/internal/storage/storagetest"
)

func TestStore(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Store {
		return memory.New()
	})
}
