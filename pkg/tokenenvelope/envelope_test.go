package tokenenvelope

import (
	"encoding/json"
	"errors"
	"reflect"
	"strings"
	"testing"
)

type staticRenewal struct {
	renewed bool
	token   string
}

func (renewal staticRenewal) Renewal() (bool, string) {
	return renewal.renewed, renewal.token
}

type failingStorage struct{}

func (failingStorage) StoreAccessToken(string) error {
	return errors.New("quota exceeded")
}

type postSummary struct {
	ID    string   `json:"id"`
	Tags  []string `json:"tags"`
	Likes int      `json:"likes"`
}

func TestWrapUnwrapRoundTripPersistsRenewedToken(t *testing.T) {
	t.Parallel()
	payload := postSummary{ID: "post-1", Tags: []string{"launch"}, Likes: 12}
	envelope := Wrap(payload, staticRenewal{renewed: true, token: "T2"})

	encoded, err := json.Marshal(envelope)
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}

	storage := NewMemoryTokenStorage("T1")
	decoded, err := Decode[postSummary](strings.NewReader(string(encoded)), storage)
	if err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	if !reflect.DeepEqual(decoded, payload) {
		t.Fatalf("expected %+v, got %+v", payload, decoded)
	}
	if token := storage.AccessToken(); token != "T2" {
		t.Fatalf("expected renewed token to be stored, got %q", token)
	}
}

func TestWrapWithoutRenewalLeavesStorageUntouched(t *testing.T) {
	t.Parallel()
	for name, source := range map[string]RenewalSource{
		"nil source":       nil,
		"not renewed":      staticRenewal{},
		"renewed no token": staticRenewal{renewed: true},
	} {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			envelope := Wrap("payload", source)
			if envelope.TokenRenewed || envelope.NewAccessToken != nil {
				t.Fatalf("expected no renewal, got %+v", envelope)
			}

			storage := NewMemoryTokenStorage("T1")
			data, err := Unwrap(envelope, storage)
			if err != nil {
				t.Fatalf("unwrap: %v", err)
			}
			if data != "payload" {
				t.Fatalf("expected payload, got %q", data)
			}
			if storage.AccessToken() != "T1" || storage.Writes() != 0 {
				t.Fatalf("storage must be untouched, got %q after %d writes", storage.AccessToken(), storage.Writes())
			}
		})
	}
}

func TestEnvelopeWireShape(t *testing.T) {
	t.Parallel()
	testCases := []struct {
		name     string
		source   RenewalSource
		expected string
	}{
		{
			name:     "renewed",
			source:   staticRenewal{renewed: true, token: "T2"},
			expected: `{"serverData":{"count":1},"accessTokenWasExpiredSoWeCreatedAnotherOne":true,"newAccessToken":"T2"}`,
		},
		{
			name:     "not renewed",
			source:   nil,
			expected: `{"serverData":{"count":1},"accessTokenWasExpiredSoWeCreatedAnotherOne":false}`,
		},
	}
	for _, testCase := range testCases {
		encoded, err := json.Marshal(Wrap(map[string]int{"count": 1}, testCase.source))
		if err != nil {
			t.Fatalf("%s: marshal: %v", testCase.name, err)
		}
		if string(encoded) != testCase.expected {
			t.Fatalf("%s: expected %s, got %s", testCase.name, testCase.expected, encoded)
		}
	}
}

func TestUnwrapToleratesAbsentRenewalFields(t *testing.T) {
	t.Parallel()
	testCases := map[string]string{
		"only server data": `{"serverData":{"id":"post-1"}}`,
		"null token":       `{"serverData":{"id":"post-1"},"accessTokenWasExpiredSoWeCreatedAnotherOne":true,"newAccessToken":null}`,
		"flag false":       `{"serverData":{"id":"post-1"},"accessTokenWasExpiredSoWeCreatedAnotherOne":false,"newAccessToken":"ignored"}`,
	}
	for name, body := range testCases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			storage := NewMemoryTokenStorage("T1")
			data, err := Decode[postSummary](strings.NewReader(body), storage)
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			if data.ID != "post-1" {
				t.Fatalf("unexpected server data: %+v", data)
			}
			if token := storage.AccessToken(); token != "T1" {
				t.Fatalf("storage must keep the old token, got %q", token)
			}
		})
	}
}

func TestUnwrapIsIdempotent(t *testing.T) {
	t.Parallel()
	envelope := Wrap(42, staticRenewal{renewed: true, token: "T2"})
	storage := NewMemoryTokenStorage("T1")
	for range 3 {
		data, err := Unwrap(envelope, storage)
		if err != nil {
			t.Fatalf("unwrap: %v", err)
		}
		if data != 42 || storage.AccessToken() != "T2" {
			t.Fatalf("unexpected result %d with stored token %q", data, storage.AccessToken())
		}
	}
}

func TestUnwrapSurfacesStorageFailures(t *testing.T) {
	t.Parallel()
	envelope := Wrap("payload", staticRenewal{renewed: true, token: "T2"})

	if _, err := Unwrap(envelope, failingStorage{}); err == nil || !strings.Contains(err.Error(), "quota exceeded") {
		t.Fatalf("expected storage failure, got %v", err)
	}
	if _, err := Unwrap(envelope, nil); !errors.Is(err, ErrMissingStorage) {
		t.Fatalf("expected ErrMissingStorage, got %v", err)
	}

	data, err := Unwrap(Wrap("payload", nil), nil)
	if err != nil {
		t.Fatalf("storage is optional without a renewal, got %v", err)
	}
	if data != "payload" {
		t.Fatalf("expected payload, got %q", data)
	}
}

func TestDecodeRejectsMalformedBody(t *testing.T) {
	t.Parallel()
	if _, err := Decode[postSummary](strings.NewReader("<html>"), NewMemoryTokenStorage("")); !errors.Is(err, ErrMalformedEnvelope) {
		t.Fatalf("expected ErrMalformedEnvelope, got %v", err)
	}
}
