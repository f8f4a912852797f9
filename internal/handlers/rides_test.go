package handlers

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http/httptest"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/kiese-app/kiese-backend/internal/models"
	"github.com/kiese-app/kiese-backend/internal/rides"
)

func newTestRouter(t *testing.T) (*gin.Engine, *gorm.DB) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dsn := fmt.Sprintf("file:handlers_%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&models.Driver{}, &models.Ride{}, &models.Client{}); err != nil {
		t.Fatalf("automigrate: %v", err)
	}

	svc := rides.NewService(db, nil, nil)

	r := gin.New()
	r.POST("/rides/create_negociation", CreateNegotiation(svc))
	r.GET("/rides/:id/status", GetRideStatus(svc))
	r.GET("/rides/:id/discussion", GetDiscussion(svc))
	r.POST("/rides/:id/discussion", PostDiscussionMessage(svc, nil))
	r.POST("/rides/:id/confirm_price", ConfirmPrice(svc, nil))
	r.POST("/rides/:id/finish", FinishRide(svc, nil))
	r.POST("/drivers/position", PingPosition(db, nil))
	r.POST("/drivers/availability", UpdateAvailability(db))
	return r, db
}

func doJSON(t *testing.T, r *gin.Engine, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func seedTestDriver(t *testing.T, db *gorm.DB, phone string) {
	t.Helper()
	d := models.Driver{
		Phone:     phone,
		Name:      "Driver " + phone,
		Lat:       -4.3250,
		Lng:       15.3222,
		Available: true,
		Solde:     20000,
		LastSeen:  time.Now(),
	}
	if err := db.Create(&d).Error; err != nil {
		t.Fatalf("seed driver: %v", err)
	}
}

func TestCreateNegotiation_HappyPath(t *testing.T) {
	r, db := newTestRouter(t)
	seedTestDriver(t, db, "+243810000001")

	w := doJSON(t, r, "POST", "/rides/create_negociation", gin.H{
		"clientName":  "Patrice",
		"clientPhone": "+243990000001",
		"originLat":   -4.3220,
		"originLng":   15.3110,
		"destLat":     -4.4419,
		"destLng":     15.2663,
		"prix":        5000,
	})
	if w.Code != 201 {
		t.Fatalf("status %d: %s", w.Code, w.Body.String())
	}

	var resp struct {
		Driver struct {
			Phone string `json:"phone"`
		} `json:"driver"`
		EtaToClient string `json:"etaToClient"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Driver.Phone != "+243810000001" {
		t.Fatalf("driver %q", resp.Driver.Phone)
	}
}

func TestCreateNegotiation_NoDriverIs404(t *testing.T) {
	r, db := newTestRouter(t)

	w := doJSON(t, r, "POST", "/rides/create_negociation", gin.H{
		"clientName":  "Patrice",
		"clientPhone": "+243990000001",
		"originLat":   -4.3220,
		"originLng":   15.3110,
		"destLat":     -4.4419,
		"destLng":     15.2663,
		"prix":        5000,
	})
	if w.Code != 404 {
		t.Fatalf("status %d, want 404", w.Code)
	}

	var count int64
	db.Model(&models.Ride{}).Count(&count)
	if count != 0 {
		t.Fatal("ride persisted despite 404")
	}
}

func TestDiscussionRoundTrip(t *testing.T) {
	r, db := newTestRouter(t)
	seedTestDriver(t, db, "+243810000001")

	w := doJSON(t, r, "POST", "/rides/create_negociation", gin.H{
		"clientName":  "Patrice",
		"clientPhone": "+243990000001",
		"originLat":   -4.3220,
		"originLng":   15.3110,
		"destLat":     -4.4419,
		"destLng":     15.2663,
		"prix":        5000,
	})
	if w.Code != 201 {
		t.Fatalf("create: %d", w.Code)
	}
	var created struct {
		Ride struct {
			ID uint `json:"ID"`
		} `json:"ride"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	id := created.Ride.ID

	w = doJSON(t, r, "POST", fmt.Sprintf("/rides/%d/discussion", id), gin.H{
		"from": "driver", "kind": "normal", "amount": 8000,
	})
	if w.Code != 200 {
		t.Fatalf("counter: %d %s", w.Code, w.Body.String())
	}

	w = doJSON(t, r, "POST", fmt.Sprintf("/rides/%d/discussion", id), gin.H{
		"from": "driver", "kind": "accept",
	})
	if w.Code != 200 {
		t.Fatalf("accept: %d %s", w.Code, w.Body.String())
	}

	w = doJSON(t, r, "GET", fmt.Sprintf("/rides/%d/discussion", id), nil)
	if w.Code != 200 {
		t.Fatalf("get discussion: %d", w.Code)
	}
	var disc struct {
		Discussion        []models.Message `json:"discussion"`
		NegotiationStatus string           `json:"negotiationStatus"`
		ConfirmedPrice    *int             `json:"confirmedPrice"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &disc); err != nil {
		t.Fatalf("decode discussion: %v", err)
	}
	if len(disc.Discussion) != 3 {
		t.Fatalf("discussion length %d", len(disc.Discussion))
	}
	if disc.NegotiationStatus != models.NegotiationConfirmee {
		t.Fatalf("negotiation status %q", disc.NegotiationStatus)
	}
	if disc.ConfirmedPrice == nil || *disc.ConfirmedPrice != 8000 {
		t.Fatalf("confirmed price %v", disc.ConfirmedPrice)
	}
}

func TestPostDiscussionMessage_BadOfferIs400(t *testing.T) {
	r, db := newTestRouter(t)
	seedTestDriver(t, db, "+243810000001")

	w := doJSON(t, r, "POST", "/rides/create_negociation", gin.H{
		"clientName":  "Patrice",
		"clientPhone": "+243990000001",
		"originLat":   -4.3220,
		"originLng":   15.3110,
		"destLat":     -4.4419,
		"destLng":     15.2663,
		"prix":        5000,
	})
	if w.Code != 201 {
		t.Fatalf("create: %d", w.Code)
	}

	w = doJSON(t, r, "POST", "/rides/1/discussion", gin.H{
		"from": "client", "kind": "normal", "amount": 1000,
	})
	if w.Code != 400 {
		t.Fatalf("status %d, want 400 for offer below floor", w.Code)
	}
}

func TestPostDiscussionMessage_RefusalWithoutReplacementIs404(t *testing.T) {
	r, db := newTestRouter(t)
	seedTestDriver(t, db, "+243810000001")

	w := doJSON(t, r, "POST", "/rides/create_negociation", gin.H{
		"clientName":  "Patrice",
		"clientPhone": "+243990000001",
		"originLat":   -4.3220,
		"originLng":   15.3110,
		"destLat":     -4.4419,
		"destLng":     15.2663,
		"prix":        5000,
	})
	if w.Code != 201 {
		t.Fatalf("create: %d", w.Code)
	}

	// The only driver in town refuses; the replacement search comes up
	// empty and the client gets the same 404 as on creation.
	w = doJSON(t, r, "POST", "/rides/1/discussion", gin.H{
		"from": "driver", "kind": "refuse",
	})
	if w.Code != 404 {
		t.Fatalf("status %d, want 404 when no replacement exists", w.Code)
	}

	// The ride itself survives and stays visible as searching.
	w = doJSON(t, r, "GET", "/rides/1/status", nil)
	if w.Code != 200 {
		t.Fatalf("ride status: %d", w.Code)
	}
	var status struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &status); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if status.Status != models.RideStatusEnAttente {
		t.Fatalf("ride status %q, want en_attente", status.Status)
	}
}

func TestCreateNegotiation_ZeroCoordinateBinds(t *testing.T) {
	r, _ := newTestRouter(t)

	// A longitude of exactly zero is a legitimate coordinate; the request
	// must reach the driver search (404 here, no driver) instead of being
	// rejected at binding.
	w := doJSON(t, r, "POST", "/rides/create_negociation", gin.H{
		"clientName":  "Patrice",
		"clientPhone": "+243990000001",
		"originLat":   -4.3220,
		"originLng":   0,
		"destLat":     -4.4419,
		"destLng":     15.2663,
		"prix":        5000,
	})
	if w.Code == 400 {
		t.Fatalf("zero coordinate rejected at binding: %s", w.Body.String())
	}
	if w.Code != 404 {
		t.Fatalf("status %d, want 404 from the empty search", w.Code)
	}
}

func TestGetRideStatus_NotFound(t *testing.T) {
	r, _ := newTestRouter(t)
	w := doJSON(t, r, "GET", "/rides/99/status", nil)
	if w.Code != 404 {
		t.Fatalf("status %d, want 404", w.Code)
	}
}

func TestPingPositionAndAvailability(t *testing.T) {
	r, db := newTestRouter(t)
	seedTestDriver(t, db, "+243810000001")

	w := doJSON(t, r, "POST", "/drivers/position", gin.H{
		"phone": "+243810000001", "lat": -4.30, "lng": 15.30,
	})
	if w.Code != 200 {
		t.Fatalf("position: %d %s", w.Code, w.Body.String())
	}

	w = doJSON(t, r, "POST", "/drivers/availability", gin.H{
		"phone": "+243810000001", "available": false,
	})
	if w.Code != 200 {
		t.Fatalf("availability: %d %s", w.Code, w.Body.String())
	}

	var d models.Driver
	if err := db.Where("phone = ?", "+243810000001").First(&d).Error; err != nil {
		t.Fatalf("load driver: %v", err)
	}
	if d.Lat != -4.30 || d.Available {
		t.Fatalf("driver after updates: lat=%v available=%v", d.Lat, d.Available)
	}

	// Crossing the equator or the prime meridian is a valid heartbeat.
	w = doJSON(t, r, "POST", "/drivers/position", gin.H{
		"phone": "+243810000001", "lat": 0, "lng": 15.30,
	})
	if w.Code != 200 {
		t.Fatalf("zero latitude heartbeat: %d %s", w.Code, w.Body.String())
	}

	w = doJSON(t, r, "POST", "/drivers/position", gin.H{
		"phone": "+243810000999", "lat": -4.30, "lng": 15.30,
	})
	if w.Code != 404 {
		t.Fatalf("unknown driver position: %d, want 404", w.Code)
	}
}
