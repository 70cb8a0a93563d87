package handler

import (
	"errors"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/dukerupert/perks/internal/apperr"
)

func TestDecodeReportsJSONFieldNames(t *testing.T) {
	req := httptest.NewRequest("POST", "/", strings.NewReader(`{"name":"","cost":0,"campaignId":1,"image":"not a url"}`))

	var body rewardRequest
	err := decode(req, &body)

	var errs apperr.ValidationErrors
	if !errors.As(err, &errs) {
		t.Fatalf("err = %v, want ValidationErrors", err)
	}
	got := fieldMessages(errs)
	for _, field := range []string{"name", "description", "cost", "image"} {
		if _, ok := got[field]; !ok {
			t.Errorf("missing error for %q in %v", field, got)
		}
	}
	if _, ok := got["campaignId"]; ok {
		t.Error("campaignId is valid and should not be reported")
	}
	if got["cost"] != "cost must be greater than 0" {
		t.Errorf("cost message = %q", got["cost"])
	}
}

func TestDecodeInvalidJSON(t *testing.T) {
	req := httptest.NewRequest("POST", "/", strings.NewReader(`{"name":`))

	var body rewardRequest
	if err := decode(req, &body); !errors.Is(err, apperr.ErrValidation) {
		t.Errorf("err = %v, want ErrValidation", err)
	}
}

func TestDecodeAdjustAllowsZeroDelta(t *testing.T) {
	req := httptest.NewRequest("POST", "/", strings.NewReader(`{"delta":0,"reason":"audit"}`))

	var body adjustRequest
	if err := decode(req, &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Delta == nil || *body.Delta != 0 {
		t.Errorf("delta = %v, want 0", body.Delta)
	}
}
