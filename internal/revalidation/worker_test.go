package revalidation

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/drfirst/go-rxsafety/internal/domain/prescription"
	"github.com/drfirst/go-rxsafety/internal/infrastructure/redpanda"
	"github.com/drfirst/go-rxsafety/internal/observability/metrics"
	"github.com/drfirst/go-rxsafety/internal/validation"
	"github.com/drfirst/go-rxsafety/pkg/idempotency"
	"github.com/drfirst/go-rxsafety/pkg/workerpool"
)

type published struct {
	topic   string
	key     string
	value   []byte
	headers map[string]string
}

type fakePublisher struct {
	mu   sync.Mutex
	sent []published
}

func (p *fakePublisher) Publish(_ context.Context, topic, key string, value []byte, headers map[string]string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent = append(p.sent, published{topic: topic, key: key, value: value, headers: headers})
	return nil
}

func (p *fakePublisher) byTopic(topic string) []published {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []published
	for _, s := range p.sent {
		if s.topic == topic {
			out = append(out, s)
		}
	}
	return out
}

// stockCatalog serves med-1 with a stock level that can change between loads
type stockCatalog struct {
	mu    sync.Mutex
	stock int
}

func (c *stockCatalog) setStock(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stock = n
}

func (c *stockCatalog) Load(context.Context, []string) (prescription.Catalog, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return prescription.NewCatalog([]prescription.CatalogEntry{
		{ID: "med-1", Name: "Paracetamol", GenericName: "paracetamol", Category: "Analgesic", DosageForm: "tablet", CurrentStock: intPtr(c.stock), Active: true},
	}), nil
}

type stubInteractions []validation.InteractionRule

func (s stubInteractions) InteractionRules(context.Context) ([]validation.InteractionRule, error) {
	return s, nil
}

type downCatalog struct{}

func (downCatalog) Load(context.Context, []string) (prescription.Catalog, error) {
	return nil, errors.New("connection refused")
}

func intPtr(n int) *int { return &n }

func testCatalog() prescription.CatalogProvider {
	return prescription.NewStaticCatalog([]prescription.CatalogEntry{
		{ID: "med-1", Name: "Paracetamol", GenericName: "paracetamol", Category: "Analgesic", DosageForm: "tablet", CurrentStock: intPtr(50), Active: true},
	})
}

func newTestWorker(t *testing.T, catalog prescription.CatalogProvider, pub Publisher, m *metrics.Metrics) *Worker {
	t.Helper()
	return startWorker(t, Deps{Catalog: catalog, Publisher: pub, Metrics: m})
}

// startWorker fills in the engine and inbox and starts the worker
func startWorker(t *testing.T, deps Deps) *Worker {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Pool = workerpool.Config{Workers: 2, QueueSize: 16, MaxRetries: 0}

	deps.Engine = validation.New(validation.WithClock(func() time.Time {
		return time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	}))
	deps.Inbox = idempotency.NewInbox(idempotency.NewMemoryStore(), idempotency.DefaultConfig(), nil)

	w, err := New(cfg, deps)
	if err != nil {
		t.Fatalf("new worker: %v", err)
	}
	w.Start()
	t.Cleanup(func() { w.Stop(context.Background()) })
	return w
}

func draftMessage(t *testing.T, offset int64, draftID, dosage string) *redpanda.Message {
	t.Helper()
	body, err := json.Marshal(DraftMessage{
		DraftID: draftID,
		Draft: prescription.Draft{
			Patient: &prescription.Patient{ID: "pat-001", Name: "Jane Doe", AdmissionID: "adm-001", Ward: "Ward 4B", Bed: "12"},
			Lines: []prescription.Line{{
				MedicationID: "med-1",
				Dosage:       dosage,
				Frequency:    validation.FrequencyOD,
				Quantity:     "10",
			}},
		},
	})
	if err != nil {
		t.Fatalf("marshal draft: %v", err)
	}
	return &redpanda.Message{Topic: redpanda.TopicDrafts, Offset: offset, Key: draftID, Value: body}
}

func decodeVerdict(t *testing.T, p published) VerdictMessage {
	t.Helper()
	var v VerdictMessage
	if err := json.Unmarshal(p.value, &v); err != nil {
		t.Fatalf("decode verdict %s: %v", p.value, err)
	}
	return v
}

func TestHandleBatchPublishesVerdicts(t *testing.T) {
	pub := &fakePublisher{}
	w := newTestWorker(t, testCatalog(), pub, nil)

	err := w.HandleBatch(context.Background(), []*redpanda.Message{
		draftMessage(t, 1, "draft-ok", "500mg"),
		draftMessage(t, 2, "draft-bad", "five mg"),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	sent := pub.byTopic(redpanda.TopicVerdicts)
	if len(sent) != 2 {
		t.Fatalf("expected 2 verdicts, got %d", len(sent))
	}
	verdicts := map[string]VerdictMessage{}
	for _, s := range sent {
		v := decodeVerdict(t, s)
		if s.key != v.DraftID {
			t.Errorf("verdict keyed %q for draft %q", s.key, v.DraftID)
		}
		verdicts[v.DraftID] = v
	}

	if ok := verdicts["draft-ok"]; !ok.Valid || !ok.Errors.Valid() {
		t.Errorf("expected clean verdict, got %+v", ok)
	}
	bad := verdicts["draft-bad"]
	if bad.Valid || bad.Errors.Line(0)[validation.FieldDosage] == "" {
		t.Errorf("expected dosage message on line 0, got %+v", bad)
	}
}

func TestHandleBatchReplaysRedeliveredDraft(t *testing.T) {
	pub := &fakePublisher{}
	reg := prometheus.NewRegistry()
	m := metrics.NewWithRegistry(reg, reg)
	w := newTestWorker(t, testCatalog(), pub, m)

	msg := draftMessage(t, 7, "draft-1", "500mg")
	for i := 0; i < 2; i++ {
		if err := w.HandleBatch(context.Background(), []*redpanda.Message{msg}); err != nil {
			t.Fatalf("batch %d: %v", i, err)
		}
	}

	sent := pub.byTopic(redpanda.TopicVerdicts)
	if len(sent) != 2 {
		t.Fatalf("expected the verdict to be republished, got %d", len(sent))
	}
	if string(sent[0].value) != string(sent[1].value) {
		t.Errorf("replayed verdict differs:\n%s\n%s", sent[0].value, sent[1].value)
	}
	if sent[1].headers["replayed"] != "true" {
		t.Errorf("expected replayed header, got %v", sent[1].headers)
	}

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	validations := 0.0
	for _, f := range families {
		if f.GetName() != "rx_validations_total" {
			continue
		}
		for _, metric := range f.GetMetric() {
			validations += metric.GetCounter().GetValue()
		}
	}
	if validations != 1 {
		t.Errorf("expected the draft to be validated once, got %v", validations)
	}
}

func TestHandleBatchRevalidatesResentDraftAgainstCurrentCatalog(t *testing.T) {
	pub := &fakePublisher{}
	catalog := &stockCatalog{stock: 50}
	w := newTestWorker(t, catalog, pub, nil)

	first := draftMessage(t, 1, "draft-1", "500mg")
	if err := w.HandleBatch(context.Background(), []*redpanda.Message{first}); err != nil {
		t.Fatalf("first batch: %v", err)
	}

	catalog.setStock(3)
	resent := draftMessage(t, 2, "draft-1", "500mg")
	if string(resent.Value) != string(first.Value) {
		t.Fatal("resent draft should carry the same payload")
	}
	if err := w.HandleBatch(context.Background(), []*redpanda.Message{resent}); err != nil {
		t.Fatalf("second batch: %v", err)
	}

	sent := pub.byTopic(redpanda.TopicVerdicts)
	if len(sent) != 2 {
		t.Fatalf("expected 2 verdicts, got %d", len(sent))
	}
	if v := decodeVerdict(t, sent[0]); !v.Valid {
		t.Errorf("expected the first verdict to be valid, got %+v", v)
	}
	if sent[1].headers["replayed"] == "true" {
		t.Error("a resent draft is a new record and must not replay")
	}
	v := decodeVerdict(t, sent[1])
	if v.Valid {
		t.Fatal("stock of 3 cannot cover a quantity of 10")
	}
	if msg := v.Errors.Line(0)[validation.FieldQuantity]; !strings.Contains(msg, "3") {
		t.Errorf("expected the stock message, got %q", msg)
	}
}

func TestHandleBatchUsesInteractionSource(t *testing.T) {
	pub := &fakePublisher{}
	catalog := prescription.NewStaticCatalog([]prescription.CatalogEntry{
		{ID: "med-1", Name: "Paracetamol", GenericName: "paracetamol", Category: "Analgesic", DosageForm: "tablet", CurrentStock: intPtr(50), Active: true},
		{ID: "med-9", Name: "Ibuprofen", GenericName: "ibuprofen", Category: "NSAID", DosageForm: "tablet", CurrentStock: intPtr(50), Active: true},
	})
	w := startWorker(t, Deps{
		Catalog:   catalog,
		Publisher: pub,
		Interactions: stubInteractions{
			{A: "paracetamol", B: "ibuprofen", Message: "Paracetamol + Ibuprofen: review combined dosing"},
		},
	})

	line := prescription.Line{Dosage: "500mg", Frequency: validation.FrequencyOD, Quantity: "10"}
	first, second := line, line
	first.MedicationID, second.MedicationID = "med-1", "med-9"
	body, err := json.Marshal(DraftMessage{
		DraftID: "draft-2",
		Draft: prescription.Draft{
			Patient: &prescription.Patient{ID: "pat-001", Name: "Jane Doe", AdmissionID: "adm-001", Ward: "Ward 4B", Bed: "12"},
			Lines:   []prescription.Line{first, second},
		},
	})
	if err != nil {
		t.Fatalf("marshal draft: %v", err)
	}

	msg := &redpanda.Message{Topic: redpanda.TopicDrafts, Offset: 1, Key: "draft-2", Value: body}
	if err := w.HandleBatch(context.Background(), []*redpanda.Message{msg}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	sent := pub.byTopic(redpanda.TopicVerdicts)
	if len(sent) != 1 {
		t.Fatalf("expected one verdict, got %d", len(sent))
	}
	v := decodeVerdict(t, sent[0])
	if v.Valid || !strings.Contains(v.Errors.Duplicates, "review combined dosing") {
		t.Errorf("expected the service's interaction rule to apply, got %+v", v.Errors)
	}
}

func TestHandleBatchDeadLettersMalformedPayload(t *testing.T) {
	pub := &fakePublisher{}
	w := newTestWorker(t, testCatalog(), pub, nil)

	bad := &redpanda.Message{Topic: redpanda.TopicDrafts, Partition: 3, Offset: 42, Key: "draft-x", Value: []byte("{not json")}
	if err := w.HandleBatch(context.Background(), []*redpanda.Message{bad}); err != nil {
		t.Fatalf("dead-lettered messages must not fail the batch: %v", err)
	}

	if n := len(pub.byTopic(redpanda.TopicVerdicts)); n != 0 {
		t.Errorf("expected no verdicts, got %d", n)
	}
	dl := pub.byTopic(redpanda.TopicDeadLetter)
	if len(dl) != 1 {
		t.Fatalf("expected one dead letter, got %d", len(dl))
	}
	var body map[string]any
	if err := json.Unmarshal(dl[0].value, &body); err != nil {
		t.Fatalf("decode dead letter: %v", err)
	}
	if body["raw"] != "{not json" || body["offset"] != float64(42) || body["source_topic"] != redpanda.TopicDrafts {
		t.Errorf("unexpected dead letter %v", body)
	}
}

func TestHandleBatchFailsWhenCatalogIsDown(t *testing.T) {
	pub := &fakePublisher{}
	w := newTestWorker(t, downCatalog{}, pub, nil)

	err := w.HandleBatch(context.Background(), []*redpanda.Message{draftMessage(t, 1, "draft-1", "500mg")})
	if err == nil {
		t.Fatal("expected the batch to fail")
	}
	if len(pub.byTopic(redpanda.TopicVerdicts)) != 0 || len(pub.byTopic(redpanda.TopicDeadLetter)) != 0 {
		t.Error("nothing should be published for a transient failure")
	}
}

func TestNewRequiresCollaborators(t *testing.T) {
	if _, err := New(DefaultConfig(), Deps{}); err == nil {
		t.Error("expected error without collaborators")
	}
}
