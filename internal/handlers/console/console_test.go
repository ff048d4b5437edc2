package console

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"simulcastctl/internal/core/domain"
	"simulcastctl/internal/core/ports"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockSessionService struct {
	mock.Mock
}

func (m *MockSessionService) Execute(ctx context.Context, line string) (ports.CommandResult, error) {
	args := m.Called(ctx, line)
	return args.Get(0).(ports.CommandResult), args.Error(1)
}

func (m *MockSessionService) CallState() domain.CallState {
	return m.Called().Get(0).(domain.CallState)
}

func (m *MockSessionService) RoutingStats() domain.RoutingStats {
	return m.Called().Get(0).(domain.RoutingStats)
}

func TestConsole_PrintsNoticesUntilEmptyLine(t *testing.T) {
	session := new(MockSessionService)
	session.On("Execute", mock.Anything, "0").Return(ports.CommandResult{Notice: "Disabling simulcast"}, nil)
	session.On("Execute", mock.Anything, "abc").Return(ports.CommandResult{Notice: "Invalid SSRC"}, domain.ErrInvalidCommand)
	session.On("Execute", mock.Anything, "").Return(ports.CommandResult{}, domain.ErrSessionEnded)
	var out bytes.Buffer

	err := New(session, strings.NewReader("0\nabc\n\n3\n"), &out, nil).Run(context.Background())

	require.NoError(t, err)
	assert.Equal(t, "Disabling simulcast\nInvalid SSRC\n", out.String())
	session.AssertNotCalled(t, "Execute", mock.Anything, "3")
}

func TestConsole_EOFEndsSession(t *testing.T) {
	session := new(MockSessionService)
	session.On("Execute", mock.Anything, "1").Return(ports.CommandResult{Notice: "Relaying SSRC 1"}, nil)
	var out bytes.Buffer

	err := New(session, strings.NewReader("1"), &out, nil).Run(context.Background())

	require.NoError(t, err)
	assert.Equal(t, "Relaying SSRC 1\n", out.String())
}

func TestConsole_InteractivePrompt(t *testing.T) {
	session := new(MockSessionService)
	session.On("CallState").Return(domain.CallState{Policy: "relay_one(3)"})
	session.On("Execute", mock.Anything, "").Return(ports.CommandResult{}, domain.ErrSessionEnded)
	var out bytes.Buffer
	c := New(session, strings.NewReader("\n"), &out, nil)
	c.SetInteractive(true)

	require.NoError(t, c.Run(context.Background()))

	assert.Contains(t, out.String(), "Enter new SSRC filter 1,2 or 3")
	assert.Contains(t, out.String(), "Press enter to stop...")
}

func TestConsole_RelayAllPromptOmitsSelection(t *testing.T) {
	session := new(MockSessionService)
	session.On("CallState").Return(domain.CallState{Policy: "relay_all"})
	session.On("Execute", mock.Anything, "").Return(ports.CommandResult{}, domain.ErrSessionEnded)
	var out bytes.Buffer
	c := New(session, strings.NewReader("\n"), &out, nil)
	c.SetInteractive(true)

	require.NoError(t, c.Run(context.Background()))

	assert.NotContains(t, out.String(), "SSRC filter")
	assert.Contains(t, out.String(), "0 to switch")
}

func TestConsole_ContextCancelStopsRun(t *testing.T) {
	session := new(MockSessionService)
	r, w := io.Pipe()
	defer w.Close()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- New(session, r, io.Discard, nil).Run(ctx)
	}()
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("console did not stop")
	}
}
