package commands

import (
	"context"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hemobras/esocial/internal/config"
	"github.com/hemobras/esocial/internal/esocial"
	"github.com/hemobras/esocial/internal/keystore/keystoretest"
	"github.com/hemobras/esocial/internal/transport"
	"github.com/hemobras/esocial/internal/xmlsig"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadWriteFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.xml")

	require.NoError(t, writeOutput(path, []byte("<a/>")))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	data, err := readInput(path)
	require.NoError(t, err)
	assert.Equal(t, "<a/>", string(data))

	_, err = readInput(filepath.Join(t.TempDir(), "missing.xml"))
	require.Error(t, err)
}

func TestLoadRoots(t *testing.T) {
	bundle := keystoretest.New(t, "AC TESTE")
	dir := t.TempDir()

	t.Run("pem bundle", func(t *testing.T) {
		path := filepath.Join(dir, "ca.pem")
		data := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: bundle.Cert.Raw})
		require.NoError(t, os.WriteFile(path, data, 0600))

		pool, err := loadRoots(path)
		require.NoError(t, err)
		require.NotNil(t, pool)
	})

	t.Run("no certificates", func(t *testing.T) {
		path := filepath.Join(dir, "empty.pem")
		require.NoError(t, os.WriteFile(path, []byte("not a pem file"), 0600))

		_, err := loadRoots(path)
		require.ErrorContains(t, err, "no certificates")
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := loadRoots(filepath.Join(dir, "missing.pem"))
		require.Error(t, err)
	})
}

func TestNewApp(t *testing.T) {
	bundle := keystoretest.New(t, "EMPRESA TESTE")
	t.Setenv(config.DefaultPasswordEnv, bundle.Password)

	cfg := config.Default()
	cfg.Cert.Path = bundle.WriteFile(t)
	cfg.Journal.Dir = filepath.Join(t.TempDir(), "journal")

	a, err := newApp(cfg)
	require.NoError(t, err)
	defer a.Close()

	assert.NotNil(t, a.gateway)
	require.NotNil(t, a.journal)
	assert.Equal(t, cfg.Journal.Dir, a.journal.Dir())

	t.Run("invalid config", func(t *testing.T) {
		bad := config.Default()
		_, err := newApp(bad)
		require.ErrorIs(t, err, config.ErrInvalidConfig)
	})

	t.Run("journal disabled", func(t *testing.T) {
		cfg := config.Default()
		cfg.Cert.Path = bundle.WriteFile(t)
		cfg.Journal.Enabled = false

		a, err := newApp(cfg)
		require.NoError(t, err)
		defer a.Close()
		assert.Nil(t, a.journal)
	})
}

type sequenceDoer struct {
	bodies []string
	err    error
	calls  atomic.Int32
}

func (s *sequenceDoer) Do(context.Context, string, []byte, string) (*transport.Response, error) {
	n := int(s.calls.Add(1)) - 1
	if s.err != nil {
		return nil, s.err
	}
	if n >= len(s.bodies) {
		n = len(s.bodies) - 1
	}
	return &transport.Response{StatusCode: 200, Body: s.bodies[n]}, nil
}

func statusBody(code int, desc string) string {
	return fmt.Sprintf(`<eSocial><retornoProcessamentoLoteEventos><status><cdResposta>%d</cdResposta><descResposta>%s</descResposta></status></retornoProcessamentoLoteEventos></eSocial>`, code, desc)
}

func newPollGateway(t *testing.T, doer esocial.Doer) *esocial.Gateway {
	t.Helper()
	keys := keystoretest.New(t, "EMPRESA TESTE").Store(t)
	return esocial.NewGateway(
		xmlsig.NewSigner(keys, xmlsig.DefaultConfig()),
		esocial.NewSubmissionClient(doer, "https://envio.test"),
		esocial.NewQueryClient(doer, "https://consulta.test"),
		esocial.BatchHeader{},
	)
}

func TestQueryCmd_poll(t *testing.T) {
	t.Run("waits until processed", func(t *testing.T) {
		doer := &sequenceDoer{bodies: []string{
			statusBody(esocial.CodeBatchProcessing, "em processamento"),
			statusBody(esocial.CodeBatchProcessing, "em processamento"),
			statusBody(esocial.CodeSuccess, "processado"),
		}}
		q := &QueryCmd{Protocol: "1.2.3", Interval: 10 * time.Millisecond, Timeout: 5 * time.Second}

		reply, err := q.poll(context.Background(), newPollGateway(t, doer))
		require.NoError(t, err)
		assert.Contains(t, reply.Body, "processado")
		assert.EqualValues(t, 3, doer.calls.Load())
	})

	t.Run("transport error stops polling", func(t *testing.T) {
		doer := &sequenceDoer{err: &transport.TransportError{Stage: transport.StageConnect, URL: "u", Err: transport.ErrConnect}}
		q := &QueryCmd{Protocol: "1.2.3", Interval: 10 * time.Millisecond, Timeout: 5 * time.Second}

		_, err := q.poll(context.Background(), newPollGateway(t, doer))
		require.ErrorIs(t, err, transport.ErrConnect)
		assert.EqualValues(t, 1, doer.calls.Load())
	})

	t.Run("gives up after timeout", func(t *testing.T) {
		doer := &sequenceDoer{bodies: []string{statusBody(esocial.CodeBatchProcessing, "em processamento")}}
		q := &QueryCmd{Protocol: "1.2.3", Interval: 10 * time.Millisecond, Timeout: 100 * time.Millisecond}

		_, err := q.poll(context.Background(), newPollGateway(t, doer))
		require.True(t, errors.Is(err, errStillProcessing), "got %v", err)
	})
}
