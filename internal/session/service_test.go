package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autohub-io/autohub/internal/capabilities"
	"github.com/autohub-io/autohub/internal/drivers"
	"github.com/autohub-io/autohub/internal/drivers/drivertest"
	"github.com/autohub-io/autohub/internal/errs"
	"github.com/autohub-io/autohub/internal/event"
)

type harness struct {
	service *Service
	bus     *event.Bus

	mu      sync.Mutex
	created []*drivertest.FakeDriver
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	h := &harness{bus: event.NewBus()}
	t.Cleanup(func() { h.bus.Close() })

	reg := drivers.NewRegistry()
	require.NoError(t, reg.RegisterDriver(&drivers.DriverFactory{
		Name:   "fake-driver",
		TypeID: "fake",
		Match:  drivertest.MatchPlatform("Fake"),
		New: func() drivers.Driver {
			d := drivertest.NewFakeDriver()
			h.mu.Lock()
			h.created = append(h.created, d)
			h.mu.Unlock()
			return d
		},
	}))

	h.service = NewService(reg, h.bus, cfg)
	return h
}

func (h *harness) lastDriver() *drivertest.FakeDriver {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.created[len(h.created)-1]
}

func fakeEnvelope() *capabilities.W3CCapabilities {
	return &capabilities.W3CCapabilities{
		AlwaysMatch: capabilities.Capabilities{"platformName": "Fake"},
		FirstMatch:  []capabilities.Capabilities{{}},
	}
}

func TestCreateRegistersSession(t *testing.T) {
	h := newHarness(t, Config{})

	result, err := h.service.Create(context.Background(), nil, nil, fakeEnvelope())
	require.NoError(t, err)
	assert.NotEmpty(t, result.SessionID)
	assert.Equal(t, capabilities.ProtocolW3C, result.Protocol)

	sess, ok := h.service.Get(result.SessionID)
	require.True(t, ok)
	assert.Equal(t, "fake", sess.TypeID)
	assert.True(t, h.lastDriver().TimeoutRunning)
}

func TestCreateNoMatchingDriver(t *testing.T) {
	h := newHarness(t, Config{})

	w3c := &capabilities.W3CCapabilities{
		AlwaysMatch: capabilities.Capabilities{"platformName": "Mars"},
	}
	_, err := h.service.Create(context.Background(), nil, nil, w3c)
	require.Error(t, err)
	assert.True(t, errs.HasCode(err, errs.CodeSessionNotCreated))
	assert.Equal(t, 0, h.service.Count())
}

func TestCreateFailureCleansPendingSet(t *testing.T) {
	h := newHarness(t, Config{})
	boom := errors.New("device allocation failed")

	reg := drivers.NewRegistry()
	require.NoError(t, reg.RegisterDriver(&drivers.DriverFactory{
		Name:   "fake-driver",
		TypeID: "fake",
		Match:  drivertest.MatchPlatform("Fake"),
		New: func() drivers.Driver {
			d := drivertest.NewFakeDriver()
			d.CreateErr = boom
			return d
		},
	}))
	h.service = NewService(reg, h.bus, Config{})

	_, err := h.service.Create(context.Background(), nil, nil, fakeEnvelope())
	require.Error(t, err)
	assert.True(t, errs.HasCode(err, errs.CodeSessionNotCreated))
	assert.ErrorIs(t, err, boom)

	h.service.pendingMu.Lock()
	assert.Empty(t, h.service.pending)
	h.service.pendingMu.Unlock()
	assert.Equal(t, 0, h.service.Count())
}

func TestCreateAppliesInitialSettings(t *testing.T) {
	h := newHarness(t, Config{})

	w3c := &capabilities.W3CCapabilities{
		AlwaysMatch: capabilities.Capabilities{
			"platformName":              "Fake",
			"appium:settings[language]": "en",
		},
	}
	_, err := h.service.Create(context.Background(), nil, nil, w3c)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"language": "en"}, h.lastDriver().Settings)
}

func TestCreateSeesSiblingData(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()

	_, err := h.service.Create(ctx, nil, nil, fakeEnvelope())
	require.NoError(t, err)
	_, err = h.service.Create(ctx, nil, nil, fakeEnvelope())
	require.NoError(t, err)

	assert.Len(t, h.lastDriver().CreateSibling, 1)
}

func TestDeleteRemovesBeforeBackendCall(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()

	result, err := h.service.Create(ctx, nil, nil, fakeEnvelope())
	require.NoError(t, err)

	require.NoError(t, h.service.Delete(ctx, result.SessionID))
	_, ok := h.service.Get(result.SessionID)
	assert.False(t, ok)

	err = h.service.Delete(ctx, result.SessionID)
	assert.True(t, errs.HasCode(err, errs.CodeNoSuchSession))
}

func TestDeleteReturnsStructuredErrorOnDriverFailure(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()

	result, err := h.service.Create(ctx, nil, nil, fakeEnvelope())
	require.NoError(t, err)
	h.lastDriver().DeleteErr = errors.New("backend hung up")

	err = h.service.Delete(ctx, result.SessionID)
	require.Error(t, err)
	assert.True(t, errs.HasCode(err, errs.CodeUnknownError))
	// The session is gone regardless.
	assert.Equal(t, 0, h.service.Count())
}

func TestDeleteAllTolleratesPartialFailure(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := h.service.Create(ctx, nil, nil, fakeEnvelope())
		require.NoError(t, err)
		if i == 1 {
			h.lastDriver().DeleteErr = errors.New("second session refuses to die")
		}
	}
	require.Equal(t, 3, h.service.Count())

	h.service.DeleteAll(ctx, false, "shutdown")
	assert.Equal(t, 0, h.service.Count())
}

func TestDeleteAllForceSkipsDriverDeletion(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()

	_, err := h.service.Create(ctx, nil, nil, fakeEnvelope())
	require.NoError(t, err)
	drv := h.lastDriver()

	h.service.DeleteAll(ctx, true, "process exit")

	require.Eventually(t, func() bool {
		return h.service.Count() == 0
	}, time.Second, 5*time.Millisecond)
	// Normal deletion never ran against the driver.
	assert.Nil(t, drv.DeleteSibling)
}

func TestSessionOverrideLeavesExactlyOneSession(t *testing.T) {
	h := newHarness(t, Config{SessionOverride: true})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := h.service.Create(ctx, nil, nil, fakeEnvelope())
		require.NoError(t, err)
		if i == 1 {
			h.lastDriver().DeleteErr = errors.New("stuck session")
		}
	}
	require.Equal(t, 1, h.service.Count())

	result, err := h.service.Create(ctx, nil, nil, fakeEnvelope())
	require.NoError(t, err)
	assert.Equal(t, 1, h.service.Count())
	_, ok := h.service.Get(result.SessionID)
	assert.True(t, ok)
}

func TestUnexpectedShutdownNotifiesObserversThenRemoves(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()

	var observed []string
	var observedErr error
	h.service.OnUnexpectedShutdown(func(sess *Session, cause error) {
		observed = append(observed, sess.ID)
		observedErr = cause
	})
	// A panicking observer must not starve the next one.
	h.service.OnUnexpectedShutdown(func(*Session, error) { panic("bad handler") })
	var secondRan bool
	h.service.OnUnexpectedShutdown(func(*Session, error) { secondRan = true })

	result, err := h.service.Create(ctx, nil, nil, fakeEnvelope())
	require.NoError(t, err)

	cause := errors.New("backend crashed")
	h.lastDriver().TriggerUnexpectedShutdown(cause)

	require.Eventually(t, func() bool {
		return h.service.Count() == 0
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{result.SessionID}, observed)
	assert.Equal(t, cause, observedErr)
	assert.True(t, secondRan)
	// The driver's own deletion path never ran.
	assert.Nil(t, h.lastDriver().DeleteSibling)
}

func TestConcurrentCreateDelete(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()

	var wg sync.WaitGroup
	ids := make(chan string, 32)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := h.service.Create(ctx, nil, nil, fakeEnvelope())
			if err != nil {
				panic(fmt.Sprintf("create: %v", err))
			}
			ids <- result.SessionID
		}()
	}
	wg.Wait()
	close(ids)

	seen := make(map[string]bool)
	for id := range ids {
		require.False(t, seen[id], "duplicate session id %s", id)
		seen[id] = true
	}
	require.Equal(t, 16, h.service.Count())

	for id := range seen {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_ = h.service.Delete(ctx, id)
		}(id)
	}
	wg.Wait()
	assert.Equal(t, 0, h.service.Count())
}
