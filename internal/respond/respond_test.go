package respond

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	pkgerrors "github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"cipherchat/internal/store"
)

func TestStoreError(t *testing.T) {
	rr := httptest.NewRecorder()
	StoreError(rr, zap.NewNop(), pkgerrors.Wrap(store.ErrNotFound, "get user u1"))
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = httptest.NewRecorder()
	StoreError(rr, zap.NewNop(), errors.New("disk on fire"))
	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	assert.NotContains(t, rr.Body.String(), "disk")
}

func TestDecode(t *testing.T) {
	var v struct{ Name string }

	r := httptest.NewRequest("POST", "/", strings.NewReader(`{"name":"x"}`))
	assert.NoError(t, Decode(httptest.NewRecorder(), r, &v))
	assert.Equal(t, "x", v.Name)

	r = httptest.NewRequest("POST", "/", strings.NewReader(""))
	assert.EqualError(t, Decode(httptest.NewRecorder(), r, &v), "empty request body")
}
