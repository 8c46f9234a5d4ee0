package storage

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func createTestStore(t *testing.T) (*MetadataStore, func()) {
	t.Helper()

	tmpDir, err := os.MkdirTemp("", "metadata-test-*")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}

	store, err := NewMetadataStore(filepath.Join(tmpDir, "test.db"))
	if err != nil {
		os.RemoveAll(tmpDir)
		t.Fatalf("Failed to create store: %v", err)
	}

	cleanup := func() {
		store.Close()
		os.RemoveAll(tmpDir)
	}

	return store, cleanup
}

func testUser(id, email string) *UserRecord {
	now := time.Now().UTC()
	return &UserRecord{
		ID:           id,
		Email:        email,
		PasswordHash: "hash",
		Name:         "Test User",
		Role:         RolePatient,
		Status:       StatusPending,
		AIEnabled:    true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

func testDocument(id, ownerID string) *DocumentRecord {
	now := time.Now().UTC()
	return &DocumentRecord{
		ID:              id,
		OwnerID:         ownerID,
		FileName:        "report.pdf",
		Category:        "lab-results",
		BlobKey:         "uploads/" + ownerID + "/" + id + ".pdf",
		ContentType:     "application/pdf",
		SizeBytes:       1024,
		AIEnabled:       true,
		ProcessingState: StateUnprocessed,
		UploadedAt:      now,
		UpdatedAt:       now,
	}
}

func TestUserCreateAndGet(t *testing.T) {
	store, cleanup := createTestStore(t)
	defer cleanup()

	if err := store.CreateUser(testUser("u1", "A@B.com")); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}

	user, err := store.GetUser("u1")
	if err != nil {
		t.Fatalf("GetUser: %v", err)
	}
	if user.Email != "a@b.com" {
		t.Errorf("expected email lowercased, got %q", user.Email)
	}
	if user.Status != StatusPending || !user.AIEnabled {
		t.Errorf("unexpected user fields: %+v", user)
	}
}

func TestUserGetByEmailCaseInsensitive(t *testing.T) {
	store, cleanup := createTestStore(t)
	defer cleanup()

	store.CreateUser(testUser("u1", "a@b.com"))

	user, err := store.GetUserByEmail("A@B.COM")
	if err != nil {
		t.Fatalf("GetUserByEmail: %v", err)
	}
	if user.ID != "u1" {
		t.Errorf("expected u1, got %s", user.ID)
	}
}

func TestUserDuplicateEmail(t *testing.T) {
	store, cleanup := createTestStore(t)
	defer cleanup()

	store.CreateUser(testUser("u1", "a@b.com"))
	if err := store.CreateUser(testUser("u2", "A@B.com")); err == nil {
		t.Error("expected duplicate email to fail")
	}
}

func TestUserNotFound(t *testing.T) {
	store, cleanup := createTestStore(t)
	defer cleanup()

	if _, err := store.GetUser("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if _, err := store.GetUserByEmail("missing@b.com"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestUserActivate(t *testing.T) {
	store, cleanup := createTestStore(t)
	defer cleanup()

	store.CreateUser(testUser("u1", "a@b.com"))
	if err := store.ActivateUser("u1", time.Now().UTC()); err != nil {
		t.Fatalf("ActivateUser: %v", err)
	}

	user, _ := store.GetUser("u1")
	if user.Status != StatusActive || !user.EmailVerified {
		t.Errorf("expected active verified user, got %+v", user)
	}
}

func TestUserUpdatePassword(t *testing.T) {
	store, cleanup := createTestStore(t)
	defer cleanup()

	store.CreateUser(testUser("u1", "a@b.com"))
	if err := store.UpdatePassword("u1", "newhash", time.Now().UTC()); err != nil {
		t.Fatalf("UpdatePassword: %v", err)
	}

	user, _ := store.GetUser("u1")
	if user.PasswordHash != "newhash" {
		t.Errorf("expected updated hash, got %q", user.PasswordHash)
	}

	if err := store.UpdatePassword("missing", "h", time.Now().UTC()); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestUserToggles(t *testing.T) {
	store, cleanup := createTestStore(t)
	defer cleanup()

	store.CreateUser(testUser("u1", "a@b.com"))

	if err := store.SetAIEnabled("u1", false, time.Now().UTC()); err != nil {
		t.Fatal(err)
	}
	if err := store.SetTwoFAEnabled("u1", true, time.Now().UTC()); err != nil {
		t.Fatal(err)
	}

	user, _ := store.GetUser("u1")
	if user.AIEnabled || !user.TwoFAEnabled {
		t.Errorf("unexpected toggles: %+v", user)
	}
}

func TestInviteConsumeOnce(t *testing.T) {
	store, cleanup := createTestStore(t)
	defer cleanup()

	now := time.Now().UTC()
	invite := &InviteRecord{
		Token:     "tok123",
		Email:     "New@Staff.com",
		Role:      RoleStaff,
		InvitedBy: "admin1",
		ExpiresAt: now.Add(7 * 24 * time.Hour),
		CreatedAt: now,
	}
	if err := store.CreateInvite(invite); err != nil {
		t.Fatalf("CreateInvite: %v", err)
	}

	got, err := store.GetInvite("tok123")
	if err != nil {
		t.Fatalf("GetInvite: %v", err)
	}
	if got.Email != "new@staff.com" || got.Consumed {
		t.Errorf("unexpected invite: %+v", got)
	}

	ok, err := store.ConsumeInvite("tok123")
	if err != nil || !ok {
		t.Fatalf("first consume = (%v, %v), want (true, nil)", ok, err)
	}

	ok, err = store.ConsumeInvite("tok123")
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("second consume must fail")
	}
}

func TestInviteConsumeMissing(t *testing.T) {
	store, cleanup := createTestStore(t)
	defer cleanup()

	ok, err := store.ConsumeInvite("nope")
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("consuming a missing token must fail")
	}
}

func TestDocumentSaveAndList(t *testing.T) {
	store, cleanup := createTestStore(t)
	defer cleanup()

	store.CreateUser(testUser("u1", "a@b.com"))
	doc := testDocument("d1", "u1")
	if err := store.SaveDocument(doc); err != nil {
		t.Fatalf("SaveDocument: %v", err)
	}

	got, err := store.GetDocument("d1")
	if err != nil {
		t.Fatalf("GetDocument: %v", err)
	}
	if got.ProcessingState != StateUnprocessed || got.ProcessingError != "" {
		t.Errorf("unexpected document: %+v", got)
	}
	if got.Category != "lab-results" || !got.AIEnabled {
		t.Errorf("expected category and ai flag to roundtrip, got %+v", got)
	}

	docs, err := store.ListDocumentsByOwner("u1")
	if err != nil {
		t.Fatal(err)
	}
	if len(docs) != 1 || docs[0].ID != "d1" {
		t.Errorf("expected [d1], got %+v", docs)
	}
}

func TestDocumentClaim(t *testing.T) {
	store, cleanup := createTestStore(t)
	defer cleanup()

	store.SaveDocument(testDocument("d1", "u1"))

	ok, err := store.ClaimDocument("d1", time.Now().UTC())
	if err != nil || !ok {
		t.Fatalf("claim unprocessed = (%v, %v), want (true, nil)", ok, err)
	}

	// A second claim while processing must lose.
	ok, err = store.ClaimDocument("d1", time.Now().UTC())
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("claim while processing must fail")
	}

	doc, _ := store.GetDocument("d1")
	if doc.ProcessingState != StateProcessing {
		t.Errorf("expected processing, got %s", doc.ProcessingState)
	}
}

func TestDocumentClaimAfterFailure(t *testing.T) {
	store, cleanup := createTestStore(t)
	defer cleanup()

	store.SaveDocument(testDocument("d1", "u1"))
	store.ClaimDocument("d1", time.Now().UTC())
	if err := store.FinishDocument("d1", StateFailed, "embedding request failed", time.Now().UTC()); err != nil {
		t.Fatal(err)
	}

	doc, _ := store.GetDocument("d1")
	if doc.ProcessingState != StateFailed || doc.ProcessingError != "embedding request failed" {
		t.Errorf("unexpected failed document: %+v", doc)
	}

	// Failed documents are claimable again, and the claim clears the error.
	ok, err := store.ClaimDocument("d1", time.Now().UTC())
	if err != nil || !ok {
		t.Fatalf("claim failed doc = (%v, %v), want (true, nil)", ok, err)
	}
	doc, _ = store.GetDocument("d1")
	if doc.ProcessingError != "" {
		t.Errorf("expected cleared error, got %q", doc.ProcessingError)
	}
}

func TestDocumentClaimProcessed(t *testing.T) {
	store, cleanup := createTestStore(t)
	defer cleanup()

	store.SaveDocument(testDocument("d1", "u1"))
	store.ClaimDocument("d1", time.Now().UTC())
	store.FinishDocument("d1", StateProcessed, "", time.Now().UTC())

	ok, err := store.ClaimDocument("d1", time.Now().UTC())
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("processed documents must not be claimable")
	}
}

func TestDocumentClaimMissing(t *testing.T) {
	store, cleanup := createTestStore(t)
	defer cleanup()

	ok, err := store.ClaimDocument("missing", time.Now().UTC())
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("claiming a missing document must fail")
	}
}

func TestDocumentListByState(t *testing.T) {
	store, cleanup := createTestStore(t)
	defer cleanup()

	store.SaveDocument(testDocument("d1", "u1"))
	store.SaveDocument(testDocument("d2", "u1"))
	store.ClaimDocument("d1", time.Now().UTC())

	docs, err := store.ListDocumentsByState(StateUnprocessed)
	if err != nil {
		t.Fatal(err)
	}
	if len(docs) != 1 || docs[0].ID != "d2" {
		t.Errorf("expected [d2], got %+v", docs)
	}
}

func TestInsightUpsertByDocument(t *testing.T) {
	store, cleanup := createTestStore(t)
	defer cleanup()

	now := time.Now().UTC()
	first := &InsightRecord{
		ID:          "i1",
		DocumentID:  "d1",
		OwnerID:     "u1",
		Title:       "Blood Panel",
		Summary:     "All values nominal.",
		KeyFindings: []string{"HbA1c 5.1%"},
		RiskFlags:   []string{"none"},
		Tags:        []string{"low"},
		Model:       "gemini-2.0-flash",
		CreatedAt:   now,
	}
	if err := store.SaveInsight(first); err != nil {
		t.Fatalf("SaveInsight: %v", err)
	}

	second := *first
	second.ID = "i2"
	second.Title = "Blood Panel (rerun)"
	second.Tags = []string{"medium"}
	if err := store.SaveInsight(&second); err != nil {
		t.Fatalf("SaveInsight rerun: %v", err)
	}

	got, err := store.GetInsightByDocument("d1")
	if err != nil {
		t.Fatalf("GetInsightByDocument: %v", err)
	}
	if got.Title != "Blood Panel (rerun)" {
		t.Errorf("expected rerun to replace insight, got %q", got.Title)
	}
	if len(got.Tags) != 1 || got.Tags[0] != "medium" {
		t.Errorf("expected updated tags, got %v", got.Tags)
	}

	insights, err := store.ListInsightsByOwner("u1")
	if err != nil {
		t.Fatal(err)
	}
	if len(insights) != 1 {
		t.Errorf("expected exactly one insight per document, got %d", len(insights))
	}
}

func TestDocumentDeleteRemovesInsight(t *testing.T) {
	store, cleanup := createTestStore(t)
	defer cleanup()

	if err := store.SaveDocument(testDocument("d1", "u1")); err != nil {
		t.Fatalf("SaveDocument: %v", err)
	}
	insight := &InsightRecord{
		ID:         "i1",
		DocumentID: "d1",
		OwnerID:    "u1",
		Title:      "Blood Panel",
		Summary:    "All values nominal.",
		CreatedAt:  time.Now().UTC(),
	}
	if err := store.SaveInsight(insight); err != nil {
		t.Fatalf("SaveInsight: %v", err)
	}

	if err := store.DeleteDocument("d1"); err != nil {
		t.Fatalf("DeleteDocument: %v", err)
	}

	if _, err := store.GetDocument("d1"); err != ErrNotFound {
		t.Errorf("expected ErrNotFound for deleted document, got %v", err)
	}
	if _, err := store.GetInsightByDocument("d1"); err != ErrNotFound {
		t.Errorf("expected insight to be deleted with document, got %v", err)
	}
}

func TestInsightNotFound(t *testing.T) {
	store, cleanup := createTestStore(t)
	defer cleanup()

	if _, err := store.GetInsightByDocument("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestInsightListRoundTrip(t *testing.T) {
	store, cleanup := createTestStore(t)
	defer cleanup()

	now := time.Now().UTC()
	store.SaveInsight(&InsightRecord{
		ID: "i1", DocumentID: "d1", OwnerID: "u1",
		Title: "A", Summary: "s",
		KeyFindings: []string{"f1", "f2"},
		CreatedAt:   now,
	})

	insights, err := store.ListInsightsByOwner("u1")
	if err != nil {
		t.Fatal(err)
	}
	if len(insights) != 1 || len(insights[0].KeyFindings) != 2 {
		t.Errorf("expected findings to roundtrip, got %+v", insights)
	}
}

func TestAlerts(t *testing.T) {
	store, cleanup := createTestStore(t)
	defer cleanup()

	now := time.Now().UTC()
	if err := store.SaveAlert(&AlertRecord{ID: "a1", UserID: "u1", Title: "Report Generated", Body: "report.pdf", CreatedAt: now}); err != nil {
		t.Fatalf("SaveAlert: %v", err)
	}

	alerts, err := store.ListAlertsByUser("u1")
	if err != nil {
		t.Fatal(err)
	}
	if len(alerts) != 1 || alerts[0].Read {
		t.Fatalf("expected one unread alert, got %+v", alerts)
	}

	if err := store.MarkAlertRead("a1", "u1"); err != nil {
		t.Fatal(err)
	}
	alerts, _ = store.ListAlertsByUser("u1")
	if !alerts[0].Read {
		t.Error("expected alert marked read")
	}

	if err := store.MarkAlertRead("missing", "u1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestMarkAlertReadOtherUser(t *testing.T) {
	store, cleanup := createTestStore(t)
	defer cleanup()

	now := time.Now().UTC()
	store.SaveAlert(&AlertRecord{ID: "a1", UserID: "u1", Title: "Report Generated", CreatedAt: now})

	if err := store.MarkAlertRead("a1", "u2"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for another user's alert, got %v", err)
	}

	alerts, _ := store.ListAlertsByUser("u1")
	if alerts[0].Read {
		t.Error("alert must stay unread after foreign mark attempt")
	}
}

func TestDocumentAIEnabledToggle(t *testing.T) {
	store, cleanup := createTestStore(t)
	defer cleanup()

	store.SaveDocument(testDocument("d1", "u1"))

	if err := store.SetDocumentAIEnabled("d1", false, time.Now().UTC()); err != nil {
		t.Fatalf("SetDocumentAIEnabled: %v", err)
	}
	doc, _ := store.GetDocument("d1")
	if doc.AIEnabled {
		t.Error("expected ai_enabled false after toggle")
	}

	if err := store.SetDocumentAIEnabled("missing", true, time.Now().UTC()); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestFailInterruptedDocuments(t *testing.T) {
	store, cleanup := createTestStore(t)
	defer cleanup()

	now := time.Now().UTC()
	stuck := testDocument("d1", "u1")
	stuck.ProcessingState = StateProcessing
	store.SaveDocument(stuck)
	store.SaveDocument(testDocument("d2", "u1"))

	ids, err := store.FailInterruptedDocuments(now)
	if err != nil {
		t.Fatalf("FailInterruptedDocuments: %v", err)
	}
	if len(ids) != 1 || ids[0] != "d1" {
		t.Fatalf("expected [d1] swept, got %v", ids)
	}

	doc, _ := store.GetDocument("d1")
	if doc.ProcessingState != StateFailed || doc.ProcessingError == "" {
		t.Errorf("expected failed with reason, got %+v", doc)
	}

	// A failed document is claimable again.
	ok, err := store.ClaimDocument("d1", now)
	if err != nil || !ok {
		t.Errorf("claim after sweep = (%v, %v), want (true, nil)", ok, err)
	}

	other, _ := store.GetDocument("d2")
	if other.ProcessingState != StateUnprocessed {
		t.Errorf("unprocessed document must be untouched, got %+v", other)
	}
}

func TestDeleteExpiredInvites(t *testing.T) {
	store, cleanup := createTestStore(t)
	defer cleanup()

	now := time.Now().UTC()
	invites := []*InviteRecord{
		{Token: "expired", Email: "a@b.com", Role: RoleStaff, InvitedBy: "admin", ExpiresAt: now.Add(-time.Hour), CreatedAt: now.Add(-8 * 24 * time.Hour)},
		{Token: "consumed", Email: "c@d.com", Role: RolePatient, InvitedBy: "admin", Consumed: true, ExpiresAt: now.Add(time.Hour), CreatedAt: now},
		{Token: "live", Email: "e@f.com", Role: RolePatient, InvitedBy: "admin", ExpiresAt: now.Add(time.Hour), CreatedAt: now},
	}
	for _, inv := range invites {
		if err := store.CreateInvite(inv); err != nil {
			t.Fatalf("CreateInvite(%s): %v", inv.Token, err)
		}
	}

	n, err := store.DeleteExpiredInvites(now)
	if err != nil {
		t.Fatalf("DeleteExpiredInvites: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 invites deleted, got %d", n)
	}

	if _, err := store.GetInvite("live"); err != nil {
		t.Errorf("live invite must survive: %v", err)
	}
	if _, err := store.GetInvite("expired"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected expired invite deleted, got %v", err)
	}
}

func TestChatSessionsAndMessages(t *testing.T) {
	store, cleanup := createTestStore(t)
	defer cleanup()

	now := time.Now().UTC()
	if _, err := store.LatestChatSession("u1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound before first session, got %v", err)
	}

	store.CreateChatSession(&ChatSessionRecord{ID: "s1", UserID: "u1", StartedAt: now.Add(-2 * time.Hour)})
	store.CreateChatSession(&ChatSessionRecord{ID: "s2", UserID: "u1", StartedAt: now})

	latest, err := store.LatestChatSession("u1")
	if err != nil {
		t.Fatalf("LatestChatSession: %v", err)
	}
	if latest.ID != "s2" {
		t.Errorf("expected newest session s2, got %s", latest.ID)
	}

	store.SaveChatMessage(&ChatMessageRecord{ID: "m1", SessionID: "s2", Sender: "user", Message: "what does this mean?", CreatedAt: now})
	store.SaveChatMessage(&ChatMessageRecord{ID: "m2", SessionID: "s2", Sender: "assistant", Message: "here's a plain explanation", CreatedAt: now.Add(time.Second)})

	msgs, err := store.ListChatMessages("s2")
	if err != nil {
		t.Fatalf("ListChatMessages: %v", err)
	}
	if len(msgs) != 2 || msgs[0].Sender != "user" || msgs[1].Sender != "assistant" {
		t.Errorf("expected ordered pair, got %+v", msgs)
	}

	n, err := store.CountChatMessages("s2", "user")
	if err != nil || n != 1 {
		t.Errorf("CountChatMessages = (%d, %v), want (1, nil)", n, err)
	}
}
