package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/psantana5/yolotrain/pkg/config"
	"github.com/psantana5/yolotrain/pkg/store"
	"github.com/psantana5/yolotrain/pkg/trainer"
)

func TestGenKeyPrintsKeyAndHash(t *testing.T) {
	cmd := newGenKeyCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"--hash"})
	require.NoError(t, cmd.Execute())

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 2)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(lines[1]), []byte(lines[0])))
}

func TestNewTrainer(t *testing.T) {
	s := &config.Settings{Trainer: config.TrainerSettings{Type: "simulated"}}
	_, ok := newTrainer(s, nil).(*trainer.Simulated)
	assert.True(t, ok)

	s.Trainer = config.TrainerSettings{Type: "command", Command: "/usr/bin/train", Args: []string{"-v"}}
	cmdTrainer, ok := newTrainer(s, nil).(*trainer.Command)
	require.True(t, ok)
	assert.Equal(t, "/usr/bin/train", cmdTrainer.Path)
}

func TestVacuumerOf(t *testing.T) {
	assert.Nil(t, vacuumerOf(store.NewMemoryStore()))

	sqlite, err := store.NewSQLiteStore(t.TempDir() + "/jobs.db")
	require.NoError(t, err)
	defer sqlite.Close()
	assert.NotNil(t, vacuumerOf(sqlite))
}

func TestFlagsOverrideDefaults(t *testing.T) {
	v := config.New()
	cmd := newRootCmd(v)
	require.NoError(t, cmd.ParseFlags([]string{"--port", "8123", "--store", "sqlite"}))

	s, err := config.Load(v, "")
	require.NoError(t, err)
	assert.Equal(t, 8123, s.APIPort)
	assert.Equal(t, "sqlite", s.Store.Type)
	assert.Equal(t, 9100, s.MetricsPort, "unchanged flags keep the defaults")
}
