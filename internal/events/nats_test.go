package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runNATS(t *testing.T) *server.Server {
	t.Helper()
	ns, err := server.NewServer(&server.Options{Port: -1, NoLog: true, NoSigs: true})
	require.NoError(t, err)
	go ns.Start()
	if !ns.ReadyForConnections(5 * time.Second) {
		t.Fatal("embedded NATS server failed to start")
	}
	t.Cleanup(func() {
		ns.Shutdown()
		ns.WaitForShutdown()
	})
	return ns
}

func TestNATSSinkPublishesThroughPublisher(t *testing.T) {
	ns := runNATS(t)

	sub, err := nats.Connect(ns.ClientURL())
	require.NoError(t, err)
	defer sub.Close()
	msgs, err := sub.SubscribeSync("careplan.>")
	require.NoError(t, err)
	require.NoError(t, sub.Flush())

	sink, err := NewNATSSink(ns.ClientURL(), "", nil)
	require.NoError(t, err)
	defer sink.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, sink.Ping(ctx))

	p := NewPublisher(Config{Enabled: true}, []Sink{sink})
	patientID := uuid.New()
	require.True(t, p.Publish(New(IntakeCompleted, patientID, map[string]string{"triage_level": "urgent"})))
	require.NoError(t, p.Close(ctx))

	msg, err := msgs.NextMsg(2 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, "careplan.intake.completed", msg.Subject)

	var got Event
	require.NoError(t, json.Unmarshal(msg.Data, &got))
	assert.Equal(t, IntakeCompleted, got.Type)
	assert.Equal(t, patientID, got.PatientID)
	assert.Equal(t, "urgent", got.Metadata["triage_level"])
}

func TestNATSSinkUnreachable(t *testing.T) {
	sink, err := NewNATSSink("nats://127.0.0.1:1", "care", nil)
	require.NoError(t, err)
	defer sink.Close()

	assert.Equal(t, "care.patient.created", sink.Subject(PatientCreated))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.Error(t, sink.Ping(ctx))
	assert.Error(t, sink.Send(ctx, New(PatientCreated, uuid.New(), nil)))
}
