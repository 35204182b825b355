package services

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"flowgate/internal/provider"
	"flowgate/internal/repo"
	"flowgate/pkg/models"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(models.GetAllModels()...))
	return db
}

func seedTenant(t *testing.T, db *gorm.DB, balance int64) *models.Tenant {
	t.Helper()
	tenant := &models.Tenant{
		Name:           "Acme",
		PhoneNumberID:  "pn-" + uuid.NewString(),
		IsActive:       true,
		CreditBalance:  balance,
		TotalAllocated: balance,
		CostPerMessage: 1,
		Timezone:       "UTC",
	}
	require.NoError(t, db.Create(tenant).Error)
	return tenant
}

func seedContact(t *testing.T, db *gorm.DB, tenantID uuid.UUID, phone string) *models.Contact {
	t.Helper()
	contact := &models.Contact{
		BaseTenantModel: models.BaseTenantModel{TenantID: tenantID},
		Phone:           phone,
		Name:            "Contact " + phone,
		OptedIn:         true,
	}
	require.NoError(t, db.Create(contact).Error)
	return contact
}

func seedConversation(t *testing.T, db *gorm.DB, tenant *models.Tenant, contact *models.Contact, windowOpen bool) *models.Conversation {
	t.Helper()
	conversation := &models.Conversation{
		BaseTenantModel: models.BaseTenantModel{TenantID: tenant.ID},
		ContactID:       contact.ID,
		CustomerPhone:   contact.Phone,
		Status:          models.ConversationOpen,
	}
	if windowOpen {
		expires := time.Now().Add(24 * time.Hour)
		conversation.WindowExpiresAt = &expires
	} else {
		expires := time.Now().Add(-time.Hour)
		conversation.WindowExpiresAt = &expires
	}
	require.NoError(t, db.Create(conversation).Error)
	return conversation
}

// fakeProvider records sends and can be told to fail specific calls
type fakeProvider struct {
	mu        sync.Mutex
	sent      []fakeSend
	failNext  int
	failCalls map[int]bool // 1-based call index -> fail
	calls     int
}

type fakeSend struct {
	PhoneNumberID string
	To            string
	Body          string
	Template      string
	Language      string
}

func (f *fakeProvider) SendText(ctx context.Context, phoneNumberID, to, body string) (string, error) {
	return f.record(fakeSend{PhoneNumberID: phoneNumberID, To: to, Body: body})
}

func (f *fakeProvider) SendTemplate(ctx context.Context, phoneNumberID, to, templateName, language string, components []provider.TemplateComponent) (string, error) {
	return f.record(fakeSend{PhoneNumberID: phoneNumberID, To: to, Template: templateName, Language: language})
}

func (f *fakeProvider) record(s fakeSend) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failNext > 0 {
		f.failNext--
		return "", &provider.Error{StatusCode: 500, Code: "500", Message: "provider unavailable"}
	}
	if f.failCalls[f.calls] {
		return "", &provider.Error{StatusCode: 500, Code: "500", Message: "provider unavailable"}
	}
	f.sent = append(f.sent, s)
	return "wamid." + uuid.NewString(), nil
}

func (f *fakeProvider) sends() []fakeSend {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]fakeSend, len(f.sent))
	copy(out, f.sent)
	return out
}

func newConversationStack(t *testing.T, db *gorm.DB) (*ConversationService, *fakeProvider) {
	t.Helper()
	fp := &fakeProvider{}
	svc := NewConversationService(
		repo.NewContactRepository(db),
		repo.NewConversationRepository(db),
		repo.NewMessageRepository(db),
		fp,
	)
	return svc, fp
}
