package crmsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/mmdatafocus/salonsync_backend/models"
	"github.com/mmdatafocus/salonsync_backend/utils"
)

// salonOSClient fetches records from the salon platform. Only the repair
// path and webhook backfill hit it; the regular passes read the local
// cache that webhooks keep warm.
type salonOSClient struct {
	baseURL   string
	apiKey    string
	apiKeyHdr string
	http      *http.Client
	retry     *RetryPolicy
}

func newSalonOSClient(retry *RetryPolicy) (*salonOSClient, error) {
	apiKey := strings.TrimSpace(os.Getenv("SALONOS_API_KEY"))
	if apiKey == "" {
		return nil, errors.New("salonos api key is empty")
	}
	return &salonOSClient{
		baseURL:   strings.TrimRight(utils.GetEnv("SALONOS_API_BASE_URL", "https://api.salonos.app"), "/"),
		apiKey:    apiKey,
		apiKeyHdr: utils.GetEnv("SALONOS_API_KEY_HEADER", "X-API-Key"),
		http:      &http.Client{Timeout: 30 * time.Second},
		retry:     retry,
	}, nil
}

func (c *salonOSClient) getJSON(ctx context.Context, path string, out any) error {
	res, err := c.retry.Do(ctx, "GET "+path, func(ctx context.Context) (*APIResponse, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set(c.apiKeyHdr, c.apiKey)
		req.Header.Set("Accept", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		raw, _ := io.ReadAll(resp.Body)
		return &APIResponse{Status: resp.StatusCode, Header: resp.Header, Body: raw}, nil
	})
	if err != nil {
		return err
	}
	return json.Unmarshal(res.Body, out)
}

type sourceClientRecord struct {
	Id        string     `json:"id"`
	Name      string     `json:"name"`
	Email     string     `json:"email"`
	Phone     string     `json:"phone"`
	Mobile    string     `json:"mobile"`
	FirstSeen *time.Time `json:"firstSeen"`
	UpdatedAt time.Time  `json:"updatedAt"`
}

type sourceStaffRecord struct {
	Id        string    `json:"id"`
	Name      string    `json:"name"`
	Email     string    `json:"email"`
	Phone     string    `json:"phone"`
	Role      string    `json:"role"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type sourceProductRecord struct {
	Id        string          `json:"id"`
	Name      string          `json:"name"`
	Sku       string          `json:"sku"`
	Price     decimal.Decimal `json:"price"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

type sourceAppointmentRecord struct {
	Id          string    `json:"id"`
	ClientId    string    `json:"clientId"`
	StaffId     string    `json:"staffId"`
	ServiceName string    `json:"serviceName"`
	StartsAt    time.Time `json:"startsAt"`
	EndsAt      time.Time `json:"endsAt"`
	Status      string    `json:"status"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

type sourceLoyaltyRecord struct {
	ClientId  string          `json:"clientId"`
	Points    decimal.Decimal `json:"points"`
	Tier      string          `json:"tier"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

func pendingFields() models.SyncFields {
	return models.SyncFields{SyncStatus: models.CacheSyncPending}
}

func (r sourceClientRecord) toModel() models.SalonClient {
	return models.SalonClient{
		SyncFields:      pendingFields(),
		ID:              r.Id,
		Name:            r.Name,
		Email:           r.Email,
		Phone:           r.Phone,
		Mobile:          r.Mobile,
		FirstSeen:       r.FirstSeen,
		SourceUpdatedAt: r.UpdatedAt,
	}
}

func (r sourceStaffRecord) toModel() models.SalonStaff {
	return models.SalonStaff{
		SyncFields:      pendingFields(),
		ID:              r.Id,
		Name:            r.Name,
		Email:           r.Email,
		Phone:           r.Phone,
		Role:            r.Role,
		SourceUpdatedAt: r.UpdatedAt,
	}
}

func (r sourceProductRecord) toModel() models.SalonProduct {
	return models.SalonProduct{
		SyncFields:      pendingFields(),
		ID:              r.Id,
		Name:            r.Name,
		Sku:             r.Sku,
		Price:           r.Price,
		SourceUpdatedAt: r.UpdatedAt,
	}
}

func (r sourceAppointmentRecord) toModel() models.SalonAppointment {
	return models.SalonAppointment{
		SyncFields:      pendingFields(),
		ID:              r.Id,
		ClientId:        r.ClientId,
		StaffId:         r.StaffId,
		ServiceName:     r.ServiceName,
		StartsAt:        r.StartsAt,
		EndsAt:          r.EndsAt,
		Status:          r.Status,
		SourceUpdatedAt: r.UpdatedAt,
	}
}

func (r sourceLoyaltyRecord) toModel() models.LoyaltyBalance {
	return models.LoyaltyBalance{
		SyncFields:      pendingFields(),
		ID:              r.ClientId,
		Points:          r.Points,
		Tier:            r.Tier,
		SourceUpdatedAt: r.UpdatedAt,
	}
}

// fetchAndCache pulls one record from SalonOS and stores it locally. The
// repair worker and webhook backfill both go through here.
func (c *salonOSClient) fetchAndCache(ctx context.Context, db *gorm.DB, entityType models.EntityType, sourceId string) error {
	escaped := url.PathEscape(sourceId)
	switch entityType {
	case models.EntityTypeClient:
		var rec sourceClientRecord
		if err := c.getJSON(ctx, "/v1/clients/"+escaped, &rec); err != nil {
			return err
		}
		return replaceCacheRecord(ctx, db, rec.toModel())
	case models.EntityTypeStaff:
		var rec sourceStaffRecord
		if err := c.getJSON(ctx, "/v1/staff/"+escaped, &rec); err != nil {
			return err
		}
		return replaceCacheRecord(ctx, db, rec.toModel())
	case models.EntityTypeProduct:
		var rec sourceProductRecord
		if err := c.getJSON(ctx, "/v1/products/"+escaped, &rec); err != nil {
			return err
		}
		return replaceCacheRecord(ctx, db, rec.toModel())
	case models.EntityTypeAppointment:
		var rec sourceAppointmentRecord
		if err := c.getJSON(ctx, "/v1/appointments/"+escaped, &rec); err != nil {
			return err
		}
		return replaceCacheRecord(ctx, db, rec.toModel())
	case models.EntityTypeLoyalty:
		var rec sourceLoyaltyRecord
		if err := c.getJSON(ctx, "/v1/clients/"+escaped+"/loyalty", &rec); err != nil {
			return err
		}
		if rec.ClientId == "" {
			rec.ClientId = sourceId
		}
		return replaceCacheRecord(ctx, db, rec.toModel())
	default:
		return fmt.Errorf("unknown entity type %q", entityType)
	}
}

// replaceCacheRecord upserts by primary key, keeping the record pending so
// the next pass syncs the fresh data.
func replaceCacheRecord[T any](ctx context.Context, db *gorm.DB, record T) error {
	return db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		UpdateAll: true,
	}).Create(&record).Error
}
