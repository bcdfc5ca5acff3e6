package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testKey    = "test-signing-key"
	testIssuer = "rollcall-test"
)

func guardedRouter(role string) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/guarded", RequireRole(testKey, testIssuer, role), func(c *gin.Context) {
		claims := c.MustGet("claims").(Claims)
		c.JSON(http.StatusOK, gin.H{"subject": claims.Subject})
	})
	return r
}

func mint(t *testing.T, subject, role, issuer, key string, ttl time.Duration) TokenPair {
	t.Helper()
	pair, err := Issue(subject, role, issuer, key, ttl, 2*ttl)
	require.NoError(t, err)
	return pair
}

func get(r *gin.Engine, bearer string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/guarded", nil)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestRequireRoleAcceptsMatchingRole(t *testing.T) {
	r := guardedRouter(RoleInstructor)
	pair := mint(t, "teach1", RoleInstructor, testIssuer, testKey, time.Minute)

	w := get(r, pair.AccessToken)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "teach1")
}

func TestRequireRoleForbidsWrongRole(t *testing.T) {
	r := guardedRouter(RoleInstructor)
	pair := mint(t, "stu1", RoleStudent, testIssuer, testKey, time.Minute)

	w := get(r, pair.AccessToken)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestRequireRoleEmptyRoleAcceptsAnyAuthenticated(t *testing.T) {
	r := guardedRouter("")
	pair := mint(t, "stu1", RoleStudent, testIssuer, testKey, time.Minute)

	w := get(r, pair.AccessToken)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRequireRoleRejectsMissingToken(t *testing.T) {
	r := guardedRouter(RoleInstructor)

	w := get(r, "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestRequireRoleRejectsWrongKey(t *testing.T) {
	r := guardedRouter(RoleInstructor)
	pair := mint(t, "teach1", RoleInstructor, testIssuer, "some-other-key", time.Minute)

	w := get(r, pair.AccessToken)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestRequireRoleRejectsWrongIssuer(t *testing.T) {
	r := guardedRouter(RoleInstructor)
	pair := mint(t, "teach1", RoleInstructor, "someone-else", testKey, time.Minute)

	w := get(r, pair.AccessToken)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestRequireRoleRejectsExpiredToken(t *testing.T) {
	r := guardedRouter(RoleInstructor)
	pair := mint(t, "teach1", RoleInstructor, testIssuer, testKey, -time.Minute)

	w := get(r, pair.AccessToken)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestIssueRefreshTokenOutlivesAccess(t *testing.T) {
	pair := mint(t, "stu1", RoleStudent, testIssuer, testKey, time.Minute)
	assert.True(t, pair.RefreshExp.After(pair.AccessExp))

	claims, err := Parse(pair.RefreshToken, testKey, testIssuer)
	require.NoError(t, err)
	assert.Equal(t, "stu1", claims.Subject)
	assert.Equal(t, RoleStudent, claims.Role)
}
