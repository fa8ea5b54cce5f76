package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

const testSecret = "farm-test-secret"

func sign(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

func newRouter() *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RequestID(), Logger(zap.NewNop()))
	api := r.Group("/api", JWTAuth(testSecret, "nimo-farm"))
	api.GET("/me", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"uid": c.GetString("user_id")})
	})
	api.GET("/admin", RequireRole("agronomist"), func(c *gin.Context) {
		c.Status(http.StatusNoContent)
	})
	return r
}

func get(r *gin.Engine, path, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestJWTAuth(t *testing.T) {
	r := newRouter()
	exp := time.Now().Add(time.Hour).Unix()

	valid := sign(t, jwt.MapClaims{"uid": "u1", "iss": "nimo-farm", "exp": exp})
	w := get(r, "/api/me", valid)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"uid":"u1"`)
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))

	w = get(r, "/api/me?token="+valid, "")
	assert.Equal(t, http.StatusOK, w.Code)

	w = get(r, "/api/me", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	wrongIssuer := sign(t, jwt.MapClaims{"uid": "u1", "iss": "someone-else", "exp": exp})
	w = get(r, "/api/me", wrongIssuer)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	expired := sign(t, jwt.MapClaims{"uid": "u1", "iss": "nimo-farm", "exp": time.Now().Add(-time.Minute).Unix()})
	w = get(r, "/api/me", expired)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	noUser := sign(t, jwt.MapClaims{"iss": "nimo-farm", "exp": exp})
	w = get(r, "/api/me", noUser)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestRequireRole(t *testing.T) {
	r := newRouter()
	exp := time.Now().Add(time.Hour).Unix()

	plain := sign(t, jwt.MapClaims{"uid": "u1", "iss": "nimo-farm", "exp": exp, "roles": []string{"viewer"}})
	assert.Equal(t, http.StatusForbidden, get(r, "/api/admin", plain).Code)

	agronomist := sign(t, jwt.MapClaims{"uid": "u1", "iss": "nimo-farm", "exp": exp, "roles": []string{"agronomist"}})
	assert.Equal(t, http.StatusNoContent, get(r, "/api/admin", agronomist).Code)

	admin := sign(t, jwt.MapClaims{"uid": "u1", "iss": "nimo-farm", "exp": exp, "roles": []string{AdminRole}})
	assert.Equal(t, http.StatusNoContent, get(r, "/api/admin", admin).Code)
}

func TestCORS(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(CORS("https://farm.example.com"))
	r.GET("/x", func(c *gin.Context) { c.Status(http.StatusOK) })

	req := httptest.NewRequest(http.MethodOptions, "/x", nil)
	req.Header.Set("Origin", "https://farm.example.com")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "https://farm.example.com", w.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
}
