package processor

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dbchanges/internal/changes"
	"dbchanges/internal/config"
	"dbchanges/internal/diff"
	"dbchanges/internal/models"
	"dbchanges/internal/snapshot"
)

type recordingPublisher struct {
	events []*models.ChangeEvent
	failOn string
}

func (r *recordingPublisher) Publish(event *models.ChangeEvent) error {
	if r.failOn != "" && event.Type == r.failOn {
		return errors.New("broker unavailable")
	}
	r.events = append(r.events, event)
	return nil
}

var (
	startAt = time.Date(2024, time.August, 1, 8, 0, 0, 0, time.UTC)
	endAt   = startAt.Add(90 * time.Second)
)

func customers(t *testing.T) *changes.ChangeSet {
	t.Helper()
	columns := []string{"id", "email", "balance"}
	start, err := snapshot.New(snapshot.Table("customers"), columns, []string{"id"}, [][]any{
		{int64(1), "a@example.com", decimal.RequireFromString("10.50")},
		{int64(2), "b@example.com", decimal.Zero},
	}, snapshot.At(startAt))
	require.NoError(t, err)
	end, err := snapshot.New(snapshot.Table("customers"), columns, []string{"id"}, [][]any{
		{int64(1), "a@example.org", decimal.RequireFromString("10.5")},
		{int64(3), "c@example.com", nil},
	}, snapshot.At(endAt))
	require.NoError(t, err)

	cs, err := diff.Compare(start, end)
	require.NoError(t, err)
	return changes.New(cs)
}

func TestBuildEvent(t *testing.T) {
	cs := customers(t)
	c, err := cs.At(0)
	require.NoError(t, err)

	event := BuildEvent(c)
	assert.Equal(t, "MODIFICATION", event.Type)
	assert.Equal(t, "TABLE", event.DataType)
	assert.Equal(t, "customers", event.Source)
	assert.Equal(t, 0, event.Index)
	assert.Equal(t, []string{"email"}, event.ModifiedColumns)
	assert.Equal(t, startAt, event.StartAt)
	assert.Equal(t, endAt, event.EndAt)
	assert.Equal(t, int64(1), event.PrimaryKey["id"])
	assert.Equal(t, "a@example.com", event.Before["email"])
	assert.Equal(t, "a@example.org", event.After["email"])

	data, err := event.Marshal()
	require.NoError(t, err)
	assert.Contains(t, string(data), `"balance":10.5`)
	assert.Contains(t, string(data), `"primary_key":{"id":1}`)

	created := BuildEvent(mustAt(t, cs, 2))
	assert.Nil(t, created.Before)
	assert.Nil(t, created.After["balance"])
	assert.Empty(t, created.ModifiedColumns)
}

func mustAt(t *testing.T, cs *changes.ChangeSet, i int) diff.Change {
	t.Helper()
	c, err := cs.At(i)
	require.NoError(t, err)
	return c
}

func TestProcess(t *testing.T) {
	logger, _ := test.NewNullLogger()
	pub := &recordingPublisher{}

	stats, err := NewProcessor(pub, nil, logger).Process(context.Background(), customers(t))
	require.NoError(t, err)
	assert.Equal(t, Stats{Published: 3}, stats)
	require.Len(t, pub.events, 3)
	assert.Equal(t, []string{"MODIFICATION", "DELETION", "CREATION"},
		[]string{pub.events[0].Type, pub.events[1].Type, pub.events[2].Type})
}

func TestProcessCountsFailures(t *testing.T) {
	logger, hook := test.NewNullLogger()
	pub := &recordingPublisher{failOn: "DELETION"}

	stats, err := NewProcessor(pub, nil, logger).Process(context.Background(), customers(t))
	require.Error(t, err)
	assert.Equal(t, Stats{Published: 2, Failed: 1}, stats)

	var errorsLogged int
	for _, e := range hook.AllEntries() {
		if e.Level == logrus.ErrorLevel {
			errorsLogged++
		}
	}
	assert.Equal(t, 1, errorsLogged)
}

func TestProcessStopsOnCancel(t *testing.T) {
	logger, _ := test.NewNullLogger()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	stats, err := NewProcessor(&recordingPublisher{}, nil, logger).Process(ctx, customers(t))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, stats.Published)
}

func TestTransformWithRules(t *testing.T) {
	logger, _ := test.NewNullLogger()
	cfg := &config.ProcessorConfig{
		Enabled: true,
		Rules: []config.ProcessorRule{
			{Source: "orders", Include: []string{"id"}},
			{
				Source:    "CUSTOMERS",
				Exclude:   []string{"balance"},
				Rename:    map[string]string{"Email": "contact"},
				AddFields: map[string]string{"origin": "crm"},
			},
		},
	}
	require.NoError(t, ValidateRules(cfg))
	tr, err := NewTransformer(cfg, logger, nil)
	require.NoError(t, err)

	event := BuildEvent(mustAt(t, customers(t), 0))
	out, err := tr.Transform(event)
	require.NoError(t, err)

	assert.Equal(t, map[string]interface{}{"id": int64(1), "contact": "a@example.com", "origin": "crm"}, out.Before)
	assert.Equal(t, "a@example.org", out.After["contact"])
	assert.NotContains(t, out.After, "balance")
	assert.Equal(t, []string{"contact"}, out.ModifiedColumns)
	assert.Equal(t, "a@example.com", event.Before["email"], "input event is left untouched")

	other := &models.ChangeEvent{Source: "invoices", After: map[string]interface{}{"x": 1}}
	same, err := tr.Transform(other)
	require.NoError(t, err)
	assert.Same(t, other, same)
}

func writeScript(t *testing.T, src string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "transform.js")
	require.NoError(t, os.WriteFile(path, []byte(src), 0o644))
	return path
}

func TestTransformWithJavaScript(t *testing.T) {
	logger, _ := test.NewNullLogger()
	script := writeScript(t, `
function transform(event) {
  if (event.type === "DELETION") {
    return null;
  }
  console.debug("seen", event.source);
  event.after.email = event.after.email.toUpperCase();
  event.tenant = "acme";
  return event;
}`)

	cfg := &config.ProcessorConfig{Enabled: true, Script: script}
	require.NoError(t, ValidateRules(cfg))
	tr, err := NewTransformer(cfg, logger, nil)
	require.NoError(t, err)

	cs := customers(t)
	out, err := tr.Transform(BuildEvent(mustAt(t, cs, 0)))
	require.NoError(t, err)
	assert.Equal(t, "MODIFICATION", out.Type)
	assert.Equal(t, "customers", out.Source)
	assert.Equal(t, "A@EXAMPLE.ORG", out.After["email"])
	assert.Equal(t, []string{"email"}, out.ModifiedColumns)
	assert.Equal(t, endAt, out.EndAt)
	assert.Contains(t, string(out.RawJSON), `"tenant":"acme"`)

	_, err = tr.Transform(BuildEvent(mustAt(t, cs, 1)))
	assert.ErrorIs(t, err, ErrEventRejected)

	pub := &recordingPublisher{}
	stats, err := NewProcessor(pub, tr, logger).Process(context.Background(), cs)
	require.NoError(t, err)
	assert.Equal(t, Stats{Published: 2, Rejected: 1}, stats)
}

func TestAnonymousScriptFunction(t *testing.T) {
	logger, _ := test.NewNullLogger()
	script := writeScript(t, `(function(event) { event.source = "renamed"; return event; })`)
	tr, err := NewTransformer(&config.ProcessorConfig{Enabled: true, Script: script}, logger, nil)
	require.NoError(t, err)

	out, err := tr.Transform(&models.ChangeEvent{Type: "CREATION", Source: "t"})
	require.NoError(t, err)
	assert.Equal(t, "renamed", out.Source)
}

func TestNewTransformerRejectsBadScripts(t *testing.T) {
	logger, _ := test.NewNullLogger()

	_, err := NewTransformer(&config.ProcessorConfig{Enabled: true, Script: writeScript(t, "var x = 1;")}, logger, nil)
	assert.ErrorContains(t, err, "must export a function")

	_, err = NewTransformer(&config.ProcessorConfig{Enabled: true, Script: writeScript(t, "function (")}, logger, nil)
	assert.ErrorContains(t, err, "invalid JavaScript script")

	disabled, err := NewTransformer(&config.ProcessorConfig{Script: "/does/not/matter.js"}, logger, nil)
	require.NoError(t, err)
	event := &models.ChangeEvent{Source: "t"}
	out, err := disabled.Transform(event)
	require.NoError(t, err)
	assert.Same(t, event, out)
}

func TestValidateRules(t *testing.T) {
	tests := []struct {
		name string
		cfg  *config.ProcessorConfig
		msg  string
	}{
		{"missing script", &config.ProcessorConfig{Enabled: true, Script: "/nope/transform.js"}, "not found"},
		{"include and exclude", &config.ProcessorConfig{Enabled: true, Rules: []config.ProcessorRule{
			{Include: []string{"a"}, Exclude: []string{"b"}},
		}}, "cannot specify both 'include' and 'exclude'"},
		{"rename outside include", &config.ProcessorConfig{Enabled: true, Rules: []config.ProcessorRule{
			{Include: []string{"a"}, Rename: map[string]string{"b": "c"}},
		}}, "rename key 'b'"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorContains(t, ValidateRules(tt.cfg), tt.msg)
		})
	}

	both := &config.ProcessorConfig{Enabled: true, Script: writeScript(t, "function transform(e) { return e; }"),
		Rules: []config.ProcessorRule{{Source: "t"}}}
	assert.ErrorContains(t, ValidateRules(both), "cannot specify both 'script' and 'rules'")
	assert.NoError(t, ValidateRules(nil))
}
