package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	logx "courier/pkg/logx"
)

func openTestStore(t *testing.T) Store {
	t.Helper()
	st, err := Open(Config{Driver: "sqlite", Path: ":memory:"}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func mustAccount(t *testing.T, st Store, name, token string) Account {
	t.Helper()
	a, err := st.CreateAccount(context.Background(), Account{Name: name, BotToken: token, Active: true})
	if err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}
	return a
}

func TestOpenUnknownDriver(t *testing.T) {
	if _, err := Open(Config{Driver: "mongo"}, logx.Nop()); err == nil {
		t.Fatal("expected error for unknown driver")
	}
}

func TestOpenFileCreatesDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "courier.db")
	st, err := Open(Config{Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer st.Close()
	if _, err := st.ListAccounts(context.Background()); err != nil {
		t.Fatalf("ListAccounts: %v", err)
	}
}

func TestAccountsCRUD(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)

	a := mustAccount(t, st, "main", "123:abc")
	if a.ID == 0 {
		t.Fatal("account id not set")
	}
	if _, err := st.CreateAccount(ctx, Account{Name: "dup", BotToken: "123:abc"}); !errors.Is(err, ErrConflict) {
		t.Fatalf("duplicate token err = %v, want ErrConflict", err)
	}

	off := false
	name := "renamed"
	got, err := st.UpdateAccount(ctx, a.ID, AccountPatch{Name: &name, Active: &off})
	if err != nil {
		t.Fatalf("UpdateAccount: %v", err)
	}
	if got.Name != "renamed" || got.Active || got.BotToken != "123:abc" {
		t.Fatalf("updated account = %+v", got)
	}
	if _, err := st.UpdateAccount(ctx, 999, AccountPatch{Name: &name}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("update missing err = %v", err)
	}

	if _, err := st.FirstActiveAccount(ctx); !errors.Is(err, ErrNotFound) {
		t.Fatalf("FirstActiveAccount err = %v, want ErrNotFound", err)
	}
	b := mustAccount(t, st, "backup", "456:def")
	first, err := st.FirstActiveAccount(ctx)
	if err != nil || first.ID != b.ID {
		t.Fatalf("FirstActiveAccount = %+v, %v", first, err)
	}

	list, err := st.ListAccounts(ctx)
	if err != nil || len(list) != 2 {
		t.Fatalf("ListAccounts = %d, %v", len(list), err)
	}

	if err := st.DeleteAccount(ctx, a.ID); err != nil {
		t.Fatalf("DeleteAccount: %v", err)
	}
	if err := st.DeleteAccount(ctx, a.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second delete err = %v", err)
	}
	if _, err := st.GetAccount(ctx, a.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetAccount err = %v", err)
	}
}

func TestContactsCascadeAndLookup(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)
	a := mustAccount(t, st, "main", "1:a")
	b := mustAccount(t, st, "other", "2:b")

	if _, err := st.CreateContact(ctx, Contact{Name: "x", ChatID: "1", AccountID: 777}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("contact for missing account err = %v, want ErrNotFound", err)
	}

	var ids []int64
	for _, n := range []string{"ann", "bob", "cat"} {
		c, err := st.CreateContact(ctx, Contact{Name: n, ChatID: "chat-" + n, AccountID: a.ID})
		if err != nil {
			t.Fatalf("CreateContact: %v", err)
		}
		ids = append(ids, c.ID)
	}
	foreign, err := st.CreateContact(ctx, Contact{Name: "eve", ChatID: "chat-eve", AccountID: b.ID})
	if err != nil {
		t.Fatalf("CreateContact: %v", err)
	}

	got, err := st.ContactsByIDs(ctx, a.ID, append([]int64{foreign.ID, 12345}, ids...))
	if err != nil {
		t.Fatalf("ContactsByIDs: %v", err)
	}
	if len(got) != 3 || got[0].Name != "ann" || got[0].AccountName != "main" {
		t.Fatalf("ContactsByIDs = %+v", got)
	}

	chat := "chat-bobby"
	c, err := st.UpdateContact(ctx, ids[1], ContactPatch{ChatID: &chat})
	if err != nil || c.ChatID != chat || c.Name != "bob" {
		t.Fatalf("UpdateContact = %+v, %v", c, err)
	}

	all, _ := st.ListContacts(ctx, 0)
	if len(all) != 4 {
		t.Fatalf("ListContacts(all) = %d", len(all))
	}

	if err := st.DeleteAccount(ctx, a.ID); err != nil {
		t.Fatalf("DeleteAccount: %v", err)
	}
	left, _ := st.ListContacts(ctx, a.ID)
	if len(left) != 0 {
		t.Fatalf("contacts survived account delete: %d", len(left))
	}
}

func TestMessagesHistoryAndStats(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)
	a := mustAccount(t, st, "main", "1:a")
	c1, _ := st.CreateContact(ctx, Contact{Name: "ann", ChatID: "1", AccountID: a.ID})
	c2, _ := st.CreateContact(ctx, Contact{Name: "bob", ChatID: "2", AccountID: a.ID})

	sent := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)
	base := sent.Add(-time.Minute)
	err := st.RecordMessages(ctx, []Message{
		{AccountID: a.ID, ContactID: c1.ID, Text: "hi", Status: StatusSent, SentAt: &sent, CreatedAt: base},
		{AccountID: a.ID, ContactID: c2.ID, Text: "hi", Status: StatusFailed, Error: "blocked", CreatedAt: base.Add(time.Second)},
		{AccountID: a.ID, ContactID: c2.ID, Text: "later", CreatedAt: base.Add(2 * time.Second)},
	})
	if err != nil {
		t.Fatalf("RecordMessages: %v", err)
	}

	msgs, err := st.ListMessages(ctx, MessageFilter{AccountID: a.ID})
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(msgs) != 3 || msgs[0].Text != "later" || msgs[0].Status != StatusPending {
		t.Fatalf("history not newest first: %+v", msgs)
	}
	if msgs[2].SentAt == nil || !msgs[2].SentAt.Equal(sent) || msgs[2].ContactName != "ann" {
		t.Fatalf("oldest message = %+v", msgs[2])
	}

	byContact, _ := st.ListMessages(ctx, MessageFilter{ContactID: c2.ID, Limit: 1})
	if len(byContact) != 1 || byContact[0].ContactID != c2.ID {
		t.Fatalf("contact filter = %+v", byContact)
	}

	stats, err := st.MessageStats(ctx, a.ID)
	if err != nil {
		t.Fatalf("MessageStats: %v", err)
	}
	if stats != (MessageStats{Total: 3, Successful: 1, Failed: 1, Pending: 1}) {
		t.Fatalf("stats = %+v", stats)
	}

	if err := st.DeleteMessage(ctx, msgs[0].ID); err != nil {
		t.Fatalf("DeleteMessage: %v", err)
	}
	if err := st.DeleteMessage(ctx, msgs[0].ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second delete err = %v", err)
	}
}

func TestRecordMessagesIsAtomic(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)
	a := mustAccount(t, st, "main", "1:a")
	c, _ := st.CreateContact(ctx, Contact{Name: "ann", ChatID: "1", AccountID: a.ID})

	err := st.RecordMessages(ctx, []Message{
		{AccountID: a.ID, ContactID: c.ID, Text: "ok"},
		{AccountID: a.ID, ContactID: 9999, Text: "dangling"},
	})
	if err == nil {
		t.Fatal("expected error for a dangling contact")
	}
	stats, _ := st.MessageStats(ctx, 0)
	if stats.Total != 0 {
		t.Fatalf("partial batch committed: %+v", stats)
	}
}

func TestVerificationCodes(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)
	exp := time.Now().Add(10 * time.Minute).Truncate(time.Millisecond)

	if _, err := st.GetVerificationCode(ctx, "k1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing code err = %v", err)
	}
	if err := st.PutVerificationCode(ctx, VerificationCode{PhoneKey: "k1", Code: "111111", ExpiresAt: exp}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := st.PutVerificationCode(ctx, VerificationCode{PhoneKey: "k1", Code: "222222", ExpiresAt: exp}); err != nil {
		t.Fatalf("Put replace: %v", err)
	}
	got, err := st.GetVerificationCode(ctx, "k1")
	if err != nil || got.Code != "222222" || !got.ExpiresAt.Equal(exp) {
		t.Fatalf("Get = %+v, %v", got, err)
	}

	_ = st.PutVerificationCode(ctx, VerificationCode{PhoneKey: "old", Code: "1", ExpiresAt: time.Now().Add(-time.Hour)})
	n, err := st.PruneVerificationCodes(ctx, time.Now())
	if err != nil || n != 1 {
		t.Fatalf("Prune = %d, %v", n, err)
	}

	if err := st.DeleteVerificationCode(ctx, "k1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := st.GetVerificationCode(ctx, "k1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("code survived delete: %v", err)
	}
}

func TestAppendAudit(t *testing.T) {
	st := openTestStore(t)
	if err := st.AppendAudit(context.Background(), AuditEntry{Actor: "127.0.0.1", Action: "send-bulk", Target: "account:1", OK: 3, Fail: 1, TookMS: 12}); err != nil {
		t.Fatalf("AppendAudit: %v", err)
	}
}
