package earnout_test

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tendant/simple-earnout/pkg/earnout"
	"github.com/tendant/simple-earnout/pkg/earnout/accesspolicy"
	memoryevidence "github.com/tendant/simple-earnout/pkg/earnout/evidence/memory"
	"github.com/tendant/simple-earnout/pkg/earnout/repo/memory"
)

const (
	buyer   earnout.Principal = "0xbuyer"
	seller  earnout.Principal = "0xseller"
	auditor earnout.Principal = "0xauditor"
)

func TestServiceCreation(t *testing.T) {
	tests := []struct {
		name        string
		options     []earnout.Option
		expectError bool
	}{
		{
			name:        "no options should fail",
			options:     []earnout.Option{},
			expectError: true,
		},
		{
			name: "with repository should succeed",
			options: []earnout.Option{
				earnout.WithRepository(memory.New()),
			},
			expectError: false,
		},
		{
			name: "nil attestation verifier should fail",
			options: []earnout.Option{
				earnout.WithRepository(memory.New()),
				earnout.WithAttestationVerifier(nil),
			},
			expectError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, err := earnout.New(tt.options...)

			if tt.expectError {
				assert.Error(t, err)
				assert.Nil(t, svc)
			} else {
				assert.NoError(t, err)
				assert.NotNil(t, svc)
			}
		})
	}
}

// recordingSink remembers the names of emitted events.
type recordingSink struct {
	earnout.NoopEventSink
	mu     sync.Mutex
	events []string
}

func (r *recordingSink) add(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, name)
	return nil
}

func (r *recordingSink) Events() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func (r *recordingSink) DealCreated(context.Context, *earnout.Deal) error {
	return r.add("deal.created")
}

func (r *recordingSink) ParametersLocked(context.Context, *earnout.Deal) error {
	return r.add("parameters.locked")
}

func (r *recordingSink) DocumentAdded(context.Context, *earnout.Deal, *earnout.AuditRecord) error {
	return r.add("document.added")
}

func (r *recordingSink) DocumentAudited(context.Context, *earnout.AuditRecord) error {
	return r.add("document.audited")
}

func (r *recordingSink) KPISubmitted(context.Context, uuid.UUID, *earnout.KPIResult) error {
	return r.add("kpi.submitted")
}

func (r *recordingSink) DealSettled(context.Context, *earnout.Settlement) error {
	return r.add("deal.settled")
}

// recordingDisburser captures dispatched transfers and can fail on demand.
type recordingDisburser struct {
	mu        sync.Mutex
	failures  int
	calls     int
	transfers map[string]earnout.Transfer
}

func (d *recordingDisburser) Disburse(_ context.Context, _ uuid.UUID, transfers []earnout.Transfer) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	if d.failures > 0 {
		d.failures--
		return errors.New("payment rail unavailable")
	}
	if d.transfers == nil {
		d.transfers = make(map[string]earnout.Transfer)
	}
	for _, tr := range transfers {
		d.transfers[tr.ID] = tr
	}
	return nil
}

type fixture struct {
	svc       earnout.Service
	sink      *recordingSink
	disburser *recordingDisburser
	evidence  *memoryevidence.Store
	pub       ed25519.PublicKey
	priv      ed25519.PrivateKey
}

func setupTestService(t *testing.T, opts ...earnout.Option) *fixture {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	f := &fixture{
		sink:      &recordingSink{},
		disburser: &recordingDisburser{},
		evidence:  memoryevidence.New(),
		pub:       pub,
		priv:      priv,
	}
	options := append([]earnout.Option{
		earnout.WithRepository(memory.New()),
		earnout.WithEventSink(f.sink),
		earnout.WithDisburser(f.disburser),
		earnout.WithEvidenceStore(f.evidence),
	}, opts...)
	f.svc, err = earnout.New(options...)
	require.NoError(t, err)
	return f
}

func (f *fixture) createDeal(t *testing.T) *earnout.Deal {
	t.Helper()
	deal, err := f.svc.CreateDeal(context.Background(), buyer, earnout.CreateDealRequest{
		Name:    "Acme acquisition",
		Seller:  seller,
		Auditor: auditor,
	})
	require.NoError(t, err)
	return deal
}

func parametersRequest(dealID uuid.UUID, ids ...string) earnout.SetParametersRequest {
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	req := earnout.SetParametersRequest{
		DealID:         dealID,
		DurationMonths: uint32(len(ids)),
		KPIThreshold:   1_000_000,
		MaxPayout:      500_000,
	}
	for i, id := range ids {
		req.SubperiodIDs = append(req.SubperiodIDs, id)
		req.Starts = append(req.Starts, start.AddDate(0, i, 0))
		req.Ends = append(req.Ends, start.AddDate(0, i+1, 0).Add(-time.Second))
	}
	return req
}

func (f *fixture) lockedDeal(t *testing.T, subperiods ...string) *earnout.Deal {
	t.Helper()
	deal := f.createDeal(t)
	locked, err := f.svc.SetParameters(context.Background(), buyer, parametersRequest(deal.ID, subperiods...))
	require.NoError(t, err)
	return locked
}

func (f *fixture) addDocument(t *testing.T, dealID uuid.UUID, index int, contentID string) *earnout.AuditRecord {
	t.Helper()
	f.evidence.Put(contentID, []byte("ciphertext"), "application/octet-stream")
	rec, err := f.svc.AddDocument(context.Background(), buyer, earnout.AddDocumentRequest{
		DealID:         dealID,
		SubperiodIndex: index,
		ContentID:      contentID,
		Classification: "JournalEntry",
	})
	require.NoError(t, err)
	return rec
}

func (f *fixture) audit(ctx context.Context, caller earnout.Principal, rec *earnout.AuditRecord) (*earnout.AuditRecord, error) {
	return f.svc.AuditDocument(ctx, caller, earnout.AuditDocumentRequest{
		DealID:    rec.DealID,
		RecordID:  rec.ID,
		Signature: ed25519.Sign(f.priv, earnout.AuditMessage(rec.DocumentID)),
		PublicKey: f.pub,
	})
}

// readyDeal returns a locked deal whose every sub-period has one audited document.
func (f *fixture) readyDeal(t *testing.T) *earnout.Deal {
	t.Helper()
	deal := f.lockedDeal(t, "2025-01", "2025-02")
	for i, sp := range deal.Subperiods {
		rec := f.addDocument(t, deal.ID, i, "blob-"+deal.ID.String()+"-"+sp.ID)
		_, err := f.audit(context.Background(), auditor, rec)
		require.NoError(t, err)
	}
	return deal
}

func assertKind(t *testing.T, err error, kind earnout.Kind) {
	t.Helper()
	require.Error(t, err)
	assert.Equal(t, kind, earnout.KindOf(err), "error: %v", err)
	var de *earnout.DealError
	assert.True(t, errors.As(err, &de))
}

func TestCreateDeal(t *testing.T) {
	f := setupTestService(t)
	ctx := context.Background()

	t.Run("populates policy with all parties", func(t *testing.T) {
		deal := f.createDeal(t)
		assert.Equal(t, buyer, deal.Buyer)
		assert.False(t, deal.ParametersLocked)
		assert.False(t, deal.Settled)
		assert.NotEqual(t, uuid.Nil, deal.PolicyID)
		assert.NotEqual(t, uuid.Nil, deal.CapabilityID)

		members, err := f.svc.PolicyMembers(ctx, deal.ID)
		require.NoError(t, err)
		assert.ElementsMatch(t, []earnout.Principal{buyer, seller, auditor}, members)
		assert.Contains(t, f.sink.Events(), "deal.created")
	})

	t.Run("rejects missing or repeated parties", func(t *testing.T) {
		tests := []struct {
			name   string
			caller earnout.Principal
			req    earnout.CreateDealRequest
			target error
		}{
			{"empty seller", buyer, earnout.CreateDealRequest{Auditor: auditor}, earnout.ErrMissingParty},
			{"empty auditor", buyer, earnout.CreateDealRequest{Seller: seller}, earnout.ErrMissingParty},
			{"empty buyer", "", earnout.CreateDealRequest{Seller: seller, Auditor: auditor}, earnout.ErrMissingParty},
			{"seller is auditor", buyer, earnout.CreateDealRequest{Seller: seller, Auditor: seller}, earnout.ErrDuplicateParty},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				_, err := f.svc.CreateDeal(ctx, tt.caller, tt.req)
				assertKind(t, err, earnout.KindValidation)
				assert.ErrorIs(t, err, tt.target)
			})
		}
	})

	t.Run("lists deals by party", func(t *testing.T) {
		deals, err := f.svc.ListDeals(ctx, seller)
		require.NoError(t, err)
		assert.NotEmpty(t, deals)

		deals, err = f.svc.ListDeals(ctx, "0xstranger")
		require.NoError(t, err)
		assert.Empty(t, deals)
	})
}

func TestSetParameters(t *testing.T) {
	f := setupTestService(t)
	ctx := context.Background()

	t.Run("locks terms once", func(t *testing.T) {
		deal := f.createDeal(t)
		locked, err := f.svc.SetParameters(ctx, buyer, parametersRequest(deal.ID, "q1", "q2", "q3"))
		require.NoError(t, err)
		assert.True(t, locked.ParametersLocked)
		assert.Equal(t, uint64(1_000_000), locked.KPIThreshold)
		assert.Equal(t, uint64(500_000), locked.MaxPayout)
		require.Len(t, locked.Subperiods, 3)
		assert.Equal(t, "q2", locked.Subperiods[1].ID)
		assert.Empty(t, locked.Subperiods[0].Documents)

		req := parametersRequest(deal.ID, "q1")
		req.MaxPayout = 1
		_, err = f.svc.SetParameters(ctx, buyer, req)
		assertKind(t, err, earnout.KindState)
		assert.ErrorIs(t, err, earnout.ErrParametersLocked)

		got, err := f.svc.GetDeal(ctx, deal.ID)
		require.NoError(t, err)
		assert.Equal(t, uint64(500_000), got.MaxPayout)
		assert.Len(t, got.Subperiods, 3)
	})

	t.Run("only the buyer may set terms", func(t *testing.T) {
		deal := f.createDeal(t)
		for _, caller := range []earnout.Principal{seller, auditor, "0xstranger"} {
			_, err := f.svc.SetParameters(ctx, caller, parametersRequest(deal.ID, "q1"))
			assertKind(t, err, earnout.KindAuthorization)
		}
		got, err := f.svc.GetDeal(ctx, deal.ID)
		require.NoError(t, err)
		assert.False(t, got.ParametersLocked)
	})

	t.Run("rejects mismatched arrays", func(t *testing.T) {
		deal := f.createDeal(t)
		req := parametersRequest(deal.ID, "q1", "q2")
		req.Ends = req.Ends[:1]
		_, err := f.svc.SetParameters(ctx, buyer, req)
		assertKind(t, err, earnout.KindValidation)
		assert.ErrorIs(t, err, earnout.ErrLengthMismatch)
	})

	t.Run("rejects malformed sub-periods", func(t *testing.T) {
		deal := f.createDeal(t)

		_, err := f.svc.SetParameters(ctx, buyer, parametersRequest(deal.ID))
		assertKind(t, err, earnout.KindValidation)

		_, err = f.svc.SetParameters(ctx, buyer, parametersRequest(deal.ID, "q1", "q1"))
		assert.ErrorIs(t, err, earnout.ErrInvalidSubperiod)

		req := parametersRequest(deal.ID, "q1")
		req.Starts[0], req.Ends[0] = req.Ends[0], req.Starts[0]
		_, err = f.svc.SetParameters(ctx, buyer, req)
		assert.ErrorIs(t, err, earnout.ErrInvalidSubperiod)
	})

	t.Run("unknown deal", func(t *testing.T) {
		_, err := f.svc.SetParameters(ctx, buyer, parametersRequest(uuid.New(), "q1"))
		assertKind(t, err, earnout.KindNotFound)
	})
}

func TestAddDocument(t *testing.T) {
	f := setupTestService(t)
	ctx := context.Background()

	t.Run("requires locked parameters", func(t *testing.T) {
		deal := f.createDeal(t)
		f.evidence.Put("early", []byte("x"), "")
		_, err := f.svc.AddDocument(ctx, buyer, earnout.AddDocumentRequest{DealID: deal.ID, ContentID: "early"})
		assertKind(t, err, earnout.KindState)
		assert.ErrorIs(t, err, earnout.ErrParametersNotLocked)
	})

	t.Run("creates unaudited record", func(t *testing.T) {
		deal := f.lockedDeal(t, "q1", "q2")
		rec := f.addDocument(t, deal.ID, 1, "doc-q2")
		assert.False(t, rec.Audited)
		assert.Nil(t, rec.AuditedBy)
		assert.Equal(t, "q2", rec.SubperiodID)
		assert.Equal(t, buyer, rec.UploadedBy)

		got, err := f.svc.GetDeal(ctx, deal.ID)
		require.NoError(t, err)
		require.Len(t, got.Subperiods[1].Documents, 1)
		assert.Equal(t, "doc-q2", got.Subperiods[1].Documents[0].ContentID)
		assert.Equal(t, rec.ID, got.Subperiods[1].Documents[0].AuditRecordID)

		records, err := f.svc.ListAuditRecords(ctx, deal.ID)
		require.NoError(t, err)
		require.Len(t, records, 1)
		assert.Equal(t, rec.ID, records[0].ID)
	})

	t.Run("rejects out of range index", func(t *testing.T) {
		deal := f.lockedDeal(t, "q1")
		f.evidence.Put("doc-range", []byte("x"), "")
		for _, idx := range []int{-1, 1, 5} {
			_, err := f.svc.AddDocument(ctx, buyer, earnout.AddDocumentRequest{
				DealID: deal.ID, SubperiodIndex: idx, ContentID: "doc-range",
			})
			assertKind(t, err, earnout.KindState)
			assert.ErrorIs(t, err, earnout.ErrSubperiodOutOfRange)
		}
	})

	t.Run("only the buyer may add", func(t *testing.T) {
		deal := f.lockedDeal(t, "q1")
		f.evidence.Put("doc-auth", []byte("x"), "")
		_, err := f.svc.AddDocument(ctx, seller, earnout.AddDocumentRequest{DealID: deal.ID, ContentID: "doc-auth"})
		assertKind(t, err, earnout.KindAuthorization)
	})

	t.Run("rejects duplicate and unknown content", func(t *testing.T) {
		deal := f.lockedDeal(t, "q1")
		f.addDocument(t, deal.ID, 0, "doc-dup")
		_, err := f.svc.AddDocument(ctx, buyer, earnout.AddDocumentRequest{DealID: deal.ID, ContentID: "doc-dup"})
		assert.ErrorIs(t, err, earnout.ErrDuplicateDocument)

		_, err = f.svc.AddDocument(ctx, buyer, earnout.AddDocumentRequest{DealID: deal.ID, ContentID: "never-uploaded"})
		assertKind(t, err, earnout.KindValidation)
		assert.ErrorIs(t, err, earnout.ErrEvidenceNotFound)

		_, err = f.svc.AddDocument(ctx, buyer, earnout.AddDocumentRequest{DealID: deal.ID})
		assert.ErrorIs(t, err, earnout.ErrInvalidDocument)
	})
}

// stubEvidenceStore answers Stat from a fixed set, or fails every call with err.
type stubEvidenceStore struct {
	mu      sync.Mutex
	present map[string]bool
	err     error
	stats   int
}

func (s *stubEvidenceStore) Stat(ctx context.Context, contentID string) (*earnout.EvidenceMeta, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats++
	if s.err != nil {
		return nil, s.err
	}
	if !s.present[contentID] {
		return nil, fmt.Errorf("%w: %s", earnout.ErrEvidenceNotFound, contentID)
	}
	return &earnout.EvidenceMeta{ContentID: contentID}, nil
}

func (s *stubEvidenceStore) DownloadURL(ctx context.Context, contentID string) (string, error) {
	return "stub://" + contentID, nil
}

func (s *stubEvidenceStore) statCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

func TestAddDocument_EvidenceLookup(t *testing.T) {
	ctx := context.Background()

	t.Run("store outage is not a validation error", func(t *testing.T) {
		store := &stubEvidenceStore{err: errors.New("dial tcp 10.0.0.1:443: connection refused")}
		f := setupTestService(t, earnout.WithEvidenceStore(store))
		deal := f.lockedDeal(t, "q1")

		_, err := f.svc.AddDocument(ctx, buyer, earnout.AddDocumentRequest{DealID: deal.ID, ContentID: "doc"})
		assertKind(t, err, earnout.KindUnknown)
		assert.NotErrorIs(t, err, earnout.ErrEvidenceNotFound)
		assert.ErrorIs(t, err, store.err)

		records, err := f.svc.ListAuditRecords(ctx, deal.ID)
		require.NoError(t, err)
		assert.Empty(t, records)
	})

	t.Run("non-buyer is refused before the store is consulted", func(t *testing.T) {
		store := &stubEvidenceStore{present: map[string]bool{"present": true}}
		f := setupTestService(t, earnout.WithEvidenceStore(store))
		deal := f.lockedDeal(t, "q1")

		for _, contentID := range []string{"present", "missing"} {
			_, err := f.svc.AddDocument(ctx, seller, earnout.AddDocumentRequest{DealID: deal.ID, ContentID: contentID})
			assertKind(t, err, earnout.KindAuthorization)
			assert.ErrorIs(t, err, earnout.ErrNotBuyer)
		}
		assert.Zero(t, store.statCalls())
	})

	t.Run("state checks precede the lookup", func(t *testing.T) {
		store := &stubEvidenceStore{}
		f := setupTestService(t, earnout.WithEvidenceStore(store))
		deal := f.createDeal(t)

		_, err := f.svc.AddDocument(ctx, buyer, earnout.AddDocumentRequest{DealID: deal.ID, ContentID: "missing"})
		assertKind(t, err, earnout.KindState)
		assert.Zero(t, store.statCalls())

		_, err = f.svc.AddDocument(ctx, buyer, earnout.AddDocumentRequest{DealID: uuid.New(), ContentID: "missing"})
		assertKind(t, err, earnout.KindNotFound)
		assert.Zero(t, store.statCalls())
	})

	t.Run("missing blob for the buyer is a validation error", func(t *testing.T) {
		store := &stubEvidenceStore{}
		f := setupTestService(t, earnout.WithEvidenceStore(store))
		deal := f.lockedDeal(t, "q1")

		_, err := f.svc.AddDocument(ctx, buyer, earnout.AddDocumentRequest{DealID: deal.ID, ContentID: "missing"})
		assertKind(t, err, earnout.KindValidation)
		assert.ErrorIs(t, err, earnout.ErrEvidenceNotFound)
		assert.Equal(t, 1, store.statCalls())
	})
}

func TestAuditDocument(t *testing.T) {
	f := setupTestService(t)
	ctx := context.Background()
	deal := f.lockedDeal(t, "q1")
	rec := f.addDocument(t, deal.ID, 0, "doc-audit")

	t.Run("rejects non-auditor", func(t *testing.T) {
		for _, caller := range []earnout.Principal{buyer, seller} {
			_, err := f.audit(ctx, caller, rec)
			assertKind(t, err, earnout.KindAuthorization)
			assert.ErrorIs(t, err, earnout.ErrNotAuditor)
		}
	})

	t.Run("rejects bad signatures", func(t *testing.T) {
		_, err := f.svc.AuditDocument(ctx, auditor, earnout.AuditDocumentRequest{
			DealID:    deal.ID,
			RecordID:  rec.ID,
			Signature: ed25519.Sign(f.priv, earnout.AuditMessage("some-other-doc")),
			PublicKey: f.pub,
		})
		assertKind(t, err, earnout.KindCrypto)

		_, err = f.svc.AuditDocument(ctx, auditor, earnout.AuditDocumentRequest{
			DealID: deal.ID, RecordID: rec.ID, Signature: []byte("short"), PublicKey: f.pub,
		})
		assertKind(t, err, earnout.KindCrypto)
		assert.ErrorIs(t, err, earnout.ErrInvalidSignature)
	})

	t.Run("unknown record", func(t *testing.T) {
		_, err := f.audit(ctx, auditor, &earnout.AuditRecord{ID: uuid.New(), DealID: deal.ID, DocumentID: "x"})
		assertKind(t, err, earnout.KindNotFound)
	})

	t.Run("signs off exactly once", func(t *testing.T) {
		audited, err := f.audit(ctx, auditor, rec)
		require.NoError(t, err)
		assert.True(t, audited.Audited)
		require.NotNil(t, audited.AuditedBy)
		assert.Equal(t, auditor, *audited.AuditedBy)
		require.NotNil(t, audited.AuditedAt)

		_, err = f.audit(ctx, auditor, rec)
		assertKind(t, err, earnout.KindState)
		assert.ErrorIs(t, err, earnout.ErrAlreadyAudited)

		records, err := f.svc.ListAuditRecords(ctx, deal.ID)
		require.NoError(t, err)
		require.Len(t, records, 1)
		assert.True(t, records[0].Audited)
		assert.Equal(t, audited.AuditedAt.Unix(), records[0].AuditedAt.Unix())
		assert.Contains(t, f.sink.Events(), "document.audited")
	})
}

func TestStatus(t *testing.T) {
	dealID := uuid.New()
	otherDeal := uuid.New()
	rec := func(deal uuid.UUID, sp string, audited bool) *earnout.AuditRecord {
		return &earnout.AuditRecord{ID: uuid.New(), DealID: deal, SubperiodID: sp, Audited: audited}
	}

	tests := []struct {
		name    string
		records []*earnout.AuditRecord
		want    earnout.SubperiodStatus
	}{
		{
			name: "no documents is not ready",
			want: earnout.SubperiodStatus{SubperiodID: "q1"},
		},
		{
			name:    "partially audited",
			records: []*earnout.AuditRecord{rec(dealID, "q1", true), rec(dealID, "q1", false)},
			want:    earnout.SubperiodStatus{SubperiodID: "q1", Total: 2, Audited: 1},
		},
		{
			name:    "fully audited",
			records: []*earnout.AuditRecord{rec(dealID, "q1", true), rec(dealID, "q1", true)},
			want:    earnout.SubperiodStatus{SubperiodID: "q1", Total: 2, Audited: 2, Ready: true},
		},
		{
			name: "ignores other deals and sub-periods",
			records: []*earnout.AuditRecord{
				rec(dealID, "q1", true),
				rec(dealID, "q2", false),
				rec(otherDeal, "q1", false),
			},
			want: earnout.SubperiodStatus{SubperiodID: "q1", Total: 1, Audited: 1, Ready: true},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, earnout.Status(dealID, "q1", tt.records))
		})
	}
}

func TestSubperiodStatuses(t *testing.T) {
	f := setupTestService(t)
	ctx := context.Background()
	deal := f.lockedDeal(t, "q1", "q2")
	rec := f.addDocument(t, deal.ID, 0, "doc-status")

	statuses, err := f.svc.SubperiodStatuses(ctx, deal.ID)
	require.NoError(t, err)
	require.Len(t, statuses, 2)
	assert.Equal(t, earnout.SubperiodStatus{SubperiodID: "q1", Total: 1}, statuses[0])
	assert.False(t, statuses[1].Ready)

	_, err = f.audit(ctx, auditor, rec)
	require.NoError(t, err)
	statuses, err = f.svc.SubperiodStatuses(ctx, deal.ID)
	require.NoError(t, err)
	assert.True(t, statuses[0].Ready)
}

func TestSettlement_EndToEnd(t *testing.T) {
	tests := []struct {
		name          string
		kpi           uint64
		payment       uint64
		wantPayout    uint64
		wantRefund    uint64
		wantTransfers map[earnout.Principal]uint64
	}{
		{
			name:          "kpi above threshold pays seller",
			kpi:           1_200_000,
			payment:       500_000,
			wantPayout:    500_000,
			wantRefund:    0,
			wantTransfers: map[earnout.Principal]uint64{seller: 500_000},
		},
		{
			name:          "kpi below threshold refunds buyer",
			kpi:           800_000,
			payment:       500_000,
			wantPayout:    0,
			wantRefund:    500_000,
			wantTransfers: map[earnout.Principal]uint64{buyer: 500_000},
		},
		{
			name:          "kpi at threshold pays and returns change",
			kpi:           1_000_000,
			payment:       600_000,
			wantPayout:    500_000,
			wantRefund:    100_000,
			wantTransfers: map[earnout.Principal]uint64{seller: 500_000, buyer: 100_000},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := setupTestService(t)
			ctx := context.Background()
			deal := f.readyDeal(t)

			settlement, err := f.svc.SubmitKPIAndSettle(ctx, buyer, earnout.SettleRequest{
				DealID:      deal.ID,
				KPIKind:     "revenue",
				KPIValue:    tt.kpi,
				Attestation: []byte("attested"),
				Payment:     tt.payment,
			})
			require.NoError(t, err)
			assert.Equal(t, tt.wantPayout, settlement.Payout)
			assert.Equal(t, tt.wantRefund, settlement.Refund)

			got := map[earnout.Principal]uint64{}
			for _, tr := range settlement.Transfers {
				got[tr.To] += tr.Amount
			}
			assert.Equal(t, tt.wantTransfers, got)
			assert.Len(t, f.disburser.transfers, len(tt.wantTransfers))

			stored, err := f.svc.GetDeal(ctx, deal.ID)
			require.NoError(t, err)
			assert.True(t, stored.Settled)
			assert.Equal(t, tt.wantPayout, stored.SettledAmount)
			require.NotNil(t, stored.KPIResult)
			assert.Equal(t, tt.kpi, stored.KPIResult.Value)
			assert.Equal(t, "revenue", stored.KPIResult.Kind)

			events := f.sink.Events()
			assert.Contains(t, events, "kpi.submitted")
			assert.Equal(t, "deal.settled", events[len(events)-1])
		})
	}
}

func TestSettlement_Preconditions(t *testing.T) {
	ctx := context.Background()
	settle := func(svc earnout.Service, caller earnout.Principal, dealID uuid.UUID, payment uint64) error {
		_, err := svc.SubmitKPIAndSettle(ctx, caller, earnout.SettleRequest{
			DealID: dealID, KPIKind: "revenue", KPIValue: 1_200_000, Attestation: []byte("a"), Payment: payment,
		})
		return err
	}

	t.Run("parameters not locked", func(t *testing.T) {
		f := setupTestService(t)
		deal := f.createDeal(t)
		err := settle(f.svc, buyer, deal.ID, 500_000)
		assertKind(t, err, earnout.KindState)
		assert.ErrorIs(t, err, earnout.ErrParametersNotLocked)
	})

	t.Run("only the buyer may settle", func(t *testing.T) {
		f := setupTestService(t)
		deal := f.readyDeal(t)
		err := settle(f.svc, seller, deal.ID, 500_000)
		assertKind(t, err, earnout.KindAuthorization)
	})

	t.Run("unaudited evidence blocks settlement", func(t *testing.T) {
		f := setupTestService(t)
		deal := f.lockedDeal(t, "q1", "q2")
		rec := f.addDocument(t, deal.ID, 0, "doc-1")
		_, err := f.audit(ctx, auditor, rec)
		require.NoError(t, err)
		f.addDocument(t, deal.ID, 1, "doc-2")

		err = settle(f.svc, buyer, deal.ID, 500_000)
		assertKind(t, err, earnout.KindState)
		assert.ErrorIs(t, err, earnout.ErrAuditIncomplete)
	})

	t.Run("sub-period without documents blocks settlement", func(t *testing.T) {
		f := setupTestService(t)
		deal := f.lockedDeal(t, "q1", "q2")
		rec := f.addDocument(t, deal.ID, 0, "doc-1")
		_, err := f.audit(ctx, auditor, rec)
		require.NoError(t, err)

		err = settle(f.svc, buyer, deal.ID, 500_000)
		assert.ErrorIs(t, err, earnout.ErrAuditIncomplete)
	})

	t.Run("insufficient payment leaves deal untouched", func(t *testing.T) {
		f := setupTestService(t)
		deal := f.readyDeal(t)
		err := settle(f.svc, buyer, deal.ID, 499_999)
		assertKind(t, err, earnout.KindResource)
		assert.ErrorIs(t, err, earnout.ErrInsufficientPayment)

		stored, err := f.svc.GetDeal(ctx, deal.ID)
		require.NoError(t, err)
		assert.False(t, stored.Settled)
		assert.Nil(t, stored.KPIResult)
		assert.Zero(t, f.disburser.calls)
	})

	t.Run("empty attestation", func(t *testing.T) {
		f := setupTestService(t)
		deal := f.readyDeal(t)
		_, err := f.svc.SubmitKPIAndSettle(ctx, buyer, earnout.SettleRequest{
			DealID: deal.ID, KPIKind: "revenue", KPIValue: 1_200_000, Payment: 500_000,
		})
		assertKind(t, err, earnout.KindCrypto)
		assert.ErrorIs(t, err, earnout.ErrInvalidAttestation)
	})

	t.Run("settles only once", func(t *testing.T) {
		f := setupTestService(t)
		deal := f.readyDeal(t)
		require.NoError(t, settle(f.svc, buyer, deal.ID, 500_000))
		err := settle(f.svc, buyer, deal.ID, 500_000)
		assertKind(t, err, earnout.KindState)
		assert.ErrorIs(t, err, earnout.ErrAlreadySettled)
	})
}

func TestSettlement_Concurrent(t *testing.T) {
	f := setupTestService(t)
	ctx := context.Background()
	deal := f.readyDeal(t)

	const workers = 20
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		settled   int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.SubmitKPIAndSettle(ctx, buyer, earnout.SettleRequest{
				DealID: deal.ID, KPIKind: "revenue", KPIValue: 1_200_000, Attestation: []byte("a"), Payment: 500_000,
			})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case errors.Is(err, earnout.ErrAlreadySettled), errors.Is(err, earnout.ErrKPIAlreadySubmitted):
				settled++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, successes)
	assert.Equal(t, workers-1, settled)
	assert.Equal(t, 1, f.disburser.calls)
}

func TestDispatchSettlement(t *testing.T) {
	ctx := context.Background()

	t.Run("retries after a failed dispatch", func(t *testing.T) {
		f := setupTestService(t)
		f.disburser.failures = 1
		deal := f.readyDeal(t)

		settlement, err := f.svc.SubmitKPIAndSettle(ctx, buyer, earnout.SettleRequest{
			DealID: deal.ID, KPIKind: "revenue", KPIValue: 1_200_000, Attestation: []byte("a"), Payment: 500_000,
		})
		require.NoError(t, err, "settlement commits even if dispatch fails")
		assert.Empty(t, f.disburser.transfers)

		require.NoError(t, f.svc.DispatchSettlement(ctx, deal.ID))
		require.NoError(t, f.svc.DispatchSettlement(ctx, deal.ID))
		require.Len(t, f.disburser.transfers, 1)
		tr := f.disburser.transfers[settlement.Transfers[0].ID]
		assert.Equal(t, seller, tr.To)
		assert.Equal(t, uint64(500_000), tr.Amount)
		assert.Equal(t, fmt.Sprintf("%s/payout", deal.ID), tr.ID)
	})

	t.Run("unsettled deal", func(t *testing.T) {
		f := setupTestService(t)
		deal := f.readyDeal(t)
		err := f.svc.DispatchSettlement(ctx, deal.ID)
		assert.ErrorIs(t, err, earnout.ErrNotSettled)
	})

	t.Run("no disburser", func(t *testing.T) {
		svc, err := earnout.New(earnout.WithRepository(memory.New()))
		require.NoError(t, err)
		err = svc.DispatchSettlement(ctx, uuid.New())
		assert.ErrorIs(t, err, earnout.ErrDisburserNotConfigured)
	})
}

func TestChangeAuditor(t *testing.T) {
	f := setupTestService(t)
	ctx := context.Background()
	deal := f.lockedDeal(t, "q1")
	rec := f.addDocument(t, deal.ID, 0, "doc-change")
	const newAuditor earnout.Principal = "0xnewauditor"

	_, err := f.svc.ChangeAuditor(ctx, seller, deal.ID, newAuditor)
	assertKind(t, err, earnout.KindAuthorization)

	_, err = f.svc.ChangeAuditor(ctx, buyer, deal.ID, seller)
	assertKind(t, err, earnout.KindValidation)

	updated, err := f.svc.ChangeAuditor(ctx, buyer, deal.ID, newAuditor)
	require.NoError(t, err)
	assert.Equal(t, newAuditor, updated.Auditor)

	members, err := f.svc.PolicyMembers(ctx, deal.ID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []earnout.Principal{buyer, seller, newAuditor}, members)

	_, err = f.audit(ctx, auditor, rec)
	assert.ErrorIs(t, err, earnout.ErrNotAuditor)
	_, err = f.audit(ctx, newAuditor, rec)
	assert.NoError(t, err)
}

func TestAccessPolicy(t *testing.T) {
	f := setupTestService(t)
	ctx := context.Background()
	deal := f.createDeal(t)
	keyID := accesspolicy.KeyID(deal.PolicyID, []byte("nonce-1"))

	authorize := func(caller earnout.Principal, key []byte, version uint32) (bool, error) {
		return f.svc.AuthorizeKeyRelease(ctx, earnout.KeyReleaseRequest{
			DealID: deal.ID, Caller: caller, KeyID: key, SchemaVersion: version,
		})
	}

	t.Run("parties may obtain keys", func(t *testing.T) {
		for _, p := range []earnout.Principal{buyer, seller, auditor} {
			ok, err := authorize(p, keyID, accesspolicy.SchemaVersion)
			require.NoError(t, err)
			assert.True(t, ok, string(p))
		}
	})

	t.Run("strangers and foreign keys are denied", func(t *testing.T) {
		ok, err := authorize("0xstranger", keyID, accesspolicy.SchemaVersion)
		require.NoError(t, err)
		assert.False(t, ok)

		ok, err = authorize(buyer, accesspolicy.KeyID(uuid.New(), []byte("nonce-1")), accesspolicy.SchemaVersion)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("schema version mismatch is an error", func(t *testing.T) {
		_, err := authorize(buyer, keyID, accesspolicy.SchemaVersion+1)
		assert.ErrorIs(t, err, accesspolicy.ErrSchemaVersionMismatch)
	})

	t.Run("only the capability holder edits the policy", func(t *testing.T) {
		err := f.svc.AddPolicyMember(ctx, seller, deal.ID, "0xlawyer")
		assertKind(t, err, earnout.KindAuthorization)

		require.NoError(t, f.svc.AddPolicyMember(ctx, buyer, deal.ID, "0xlawyer"))
		require.NoError(t, f.svc.AddPolicyMember(ctx, buyer, deal.ID, "0xlawyer"))
		ok, err := authorize("0xlawyer", keyID, accesspolicy.SchemaVersion)
		require.NoError(t, err)
		assert.True(t, ok)

		require.NoError(t, f.svc.RemovePolicyMember(ctx, buyer, deal.ID, "0xlawyer"))
		require.NoError(t, f.svc.RemovePolicyMember(ctx, buyer, deal.ID, "0xlawyer"))
		ok, err = authorize("0xlawyer", keyID, accesspolicy.SchemaVersion)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("capability transfer moves control", func(t *testing.T) {
		require.NoError(t, f.svc.TransferCapability(ctx, buyer, deal.ID, seller))
		err := f.svc.AddPolicyMember(ctx, buyer, deal.ID, "0xother")
		assertKind(t, err, earnout.KindAuthorization)
		require.NoError(t, f.svc.AddPolicyMember(ctx, seller, deal.ID, "0xother"))

		_, err = f.svc.ChangeAuditor(ctx, buyer, deal.ID, "0xreplacement")
		assert.ErrorIs(t, err, earnout.ErrNotCapabilityHolder)
	})
}

func TestEvidenceURL(t *testing.T) {
	ctx := context.Background()

	t.Run("members only", func(t *testing.T) {
		f := setupTestService(t)
		deal := f.lockedDeal(t, "q1")
		f.addDocument(t, deal.ID, 0, "doc-url")

		url, err := f.svc.EvidenceURL(ctx, auditor, deal.ID, "doc-url")
		require.NoError(t, err)
		assert.Contains(t, url, "doc-url")

		_, err = f.svc.EvidenceURL(ctx, "0xstranger", deal.ID, "doc-url")
		assertKind(t, err, earnout.KindAuthorization)

		_, err = f.svc.EvidenceURL(ctx, buyer, deal.ID, "not-on-deal")
		assert.ErrorIs(t, err, earnout.ErrEvidenceNotFound)
	})

	t.Run("no evidence store", func(t *testing.T) {
		svc, err := earnout.New(earnout.WithRepository(memory.New()))
		require.NoError(t, err)
		_, err = svc.EvidenceURL(ctx, buyer, uuid.New(), "doc")
		assert.ErrorIs(t, err, earnout.ErrEvidenceStoreNotConfigured)
	})
}
