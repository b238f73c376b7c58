package integration_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/cookiesync/internal/audit"
	"github.com/MarcoPoloResearchLab/cookiesync/internal/cache"
	"github.com/MarcoPoloResearchLab/cookiesync/internal/codec"
	"github.com/MarcoPoloResearchLab/cookiesync/internal/cookies"
	"github.com/MarcoPoloResearchLab/cookiesync/internal/server"
	"github.com/gin-gonic/gin"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	integrationSecret = "integration-secret"
	integrationUserID = "u1"
	jsonContentType   = "application/json"
)

type apiResponse struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
}

func TestCookieSyncLifecycle(testContext *testing.T) {
	gin.SetMode(gin.TestMode)

	db, err := gorm.Open(sqlite.Open("file:integration_cookiesync?mode=memory&cache=shared"), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		testContext.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	testContext.Cleanup(func() {
		_ = sqlDB.Close()
	})
	if err := db.AutoMigrate(&cookies.Record{}, &audit.SyncLog{}); err != nil {
		testContext.Fatalf("failed to migrate: %v", err)
	}

	store, err := cookies.NewGormStore(cookies.GormStoreConfig{Database: db, Logger: zap.NewNop()})
	if err != nil {
		testContext.Fatalf("failed to build store: %v", err)
	}
	writer, err := audit.NewGormWriter(db)
	if err != nil {
		testContext.Fatalf("failed to build audit writer: %v", err)
	}
	dispatcher, err := audit.NewDispatcher(audit.DispatcherConfig{Writer: writer, Logger: zap.NewNop()})
	if err != nil {
		testContext.Fatalf("failed to build dispatcher: %v", err)
	}
	payloadCodec, err := codec.New(integrationSecret)
	if err != nil {
		testContext.Fatalf("failed to build codec: %v", err)
	}

	cookieService, err := cookies.NewService(cookies.ServiceConfig{
		Store:  store,
		Cache:  cache.NewLRU[cookies.Record](cache.Config{KeyPrefix: cache.DefaultKeyPrefix}),
		Codec:  payloadCodec,
		Audit:  dispatcher,
		Logger: zap.NewNop(),
	})
	if err != nil {
		testContext.Fatalf("failed to build cookie service: %v", err)
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		CookieService: cookieService,
		Logger:        zap.NewNop(),
	})
	if err != nil {
		testContext.Fatalf("failed to build handler: %v", err)
	}

	httpServer := httptest.NewServer(handler)
	defer httpServer.Close()

	uploadURL := httpServer.URL + "/api/cookies/upload?userId=" + integrationUserID
	downloadURL := httpServer.URL + "/api/cookies/download?userId=" + integrationUserID
	statsURL := httpServer.URL + "/api/cookies/stats?userId=" + integrationUserID
	deleteURL := httpServer.URL + "/api/cookies/delete?userId=" + integrationUserID

	firstPayload := `{"cookies":[{"name":"a"},{"name":"b"}]}`
	status, _ := doRequest(testContext, http.MethodPost, uploadURL, firstPayload)
	if status != http.StatusOK {
		testContext.Fatalf("first upload failed with status %d", status)
	}

	status, response := doRequest(testContext, http.MethodGet, statsURL, "")
	if status != http.StatusOK {
		testContext.Fatalf("stats failed with status %d", status)
	}
	var stats struct {
		CookieCount int64 `json:"cookieCount"`
		Version     int64 `json:"version"`
	}
	decodeData(testContext, response, &stats)
	if stats.CookieCount != 2 || stats.Version != 1 {
		testContext.Fatalf("unexpected stats after first upload: %+v", stats)
	}

	secondPayload := `{"cookies":[{"name":"c"}]}`
	status, _ = doRequest(testContext, http.MethodPost, uploadURL, secondPayload)
	if status != http.StatusOK {
		testContext.Fatalf("second upload failed with status %d", status)
	}

	status, response = doRequest(testContext, http.MethodGet, downloadURL, "")
	if status != http.StatusOK {
		testContext.Fatalf("download failed with status %d", status)
	}
	var downloaded struct {
		CookieData  string `json:"cookieData"`
		CookieCount int64  `json:"cookieCount"`
		Version     int64  `json:"version"`
	}
	decodeData(testContext, response, &downloaded)
	if downloaded.CookieData != secondPayload || downloaded.CookieCount != 1 || downloaded.Version != 2 {
		testContext.Fatalf("unexpected download after second upload: %+v", downloaded)
	}

	var sealed cookies.Record
	if err := db.Where("user_id = ?", integrationUserID).Take(&sealed).Error; err != nil {
		testContext.Fatalf("failed to load stored record: %v", err)
	}
	if bytes.Contains([]byte(sealed.Ciphertext), []byte(`"name"`)) {
		testContext.Fatalf("expected stored payload to be sealed")
	}

	status, _ = doRequest(testContext, http.MethodDelete, deleteURL, "")
	if status != http.StatusOK {
		testContext.Fatalf("delete failed with status %d", status)
	}

	status, response = doRequest(testContext, http.MethodGet, downloadURL, "")
	if status != http.StatusNotFound || response.Error != string(cookies.KindNotFound) {
		testContext.Fatalf("expected not found after delete, got %d %+v", status, response)
	}

	closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := dispatcher.Close(closeCtx); err != nil {
		testContext.Fatalf("failed to drain audit dispatcher: %v", err)
	}

	var logs []audit.SyncLog
	if err := db.Order("created_at_s ASC").Find(&logs).Error; err != nil {
		testContext.Fatalf("failed to load sync logs: %v", err)
	}
	if len(logs) != 5 {
		testContext.Fatalf("expected 5 sync log rows, got %d", len(logs))
	}
	failures := 0
	for _, entry := range logs {
		if !entry.Success {
			failures++
		}
	}
	if failures != 1 {
		testContext.Fatalf("expected exactly one failed operation in the log, got %d", failures)
	}
}

func doRequest(testContext *testing.T, method, url, body string) (int, apiResponse) {
	testContext.Helper()
	var reader io.Reader
	if body != "" {
		reader = bytes.NewBufferString(body)
	}
	request, err := http.NewRequest(method, url, reader)
	if err != nil {
		testContext.Fatalf("failed to build request: %v", err)
	}
	if body != "" {
		request.Header.Set("Content-Type", jsonContentType)
	}
	request.Header.Set("User-Agent", "integration-suite")

	response, err := http.DefaultClient.Do(request)
	if err != nil {
		testContext.Fatalf("request failed: %v", err)
	}
	defer response.Body.Close()

	var decoded apiResponse
	if err := json.NewDecoder(response.Body).Decode(&decoded); err != nil {
		testContext.Fatalf("failed to decode response: %v", err)
	}
	return response.StatusCode, decoded
}

func decodeData(testContext *testing.T, response apiResponse, target any) {
	testContext.Helper()
	if err := json.Unmarshal(response.Data, target); err != nil {
		testContext.Fatalf("failed to decode response data: %v", err)
	}
}
