package validation

import (
	"errors"
	"strings"
	"testing"
)

type sample struct {
	Name     string   `json:"name" validate:"required"`
	Lat      *float64 `json:"latitude" validate:"required,min=-90,max=90"`
	Speed    *float64 `json:"speed,omitempty" validate:"min=0"`
	Status   string   `json:"status,omitempty" validate:"oneof=healthy warning"`
	Count    int      `json:"count" validate:"max=3"`
	Password string   `json:"password" validate:"min=3"`
}

func f(v float64) *float64 { return &v }

func TestValidate(t *testing.T) {
	v := NewValidator()

	tests := []struct {
		name    string
		in      sample
		wantErr string
	}{
		{"valid", sample{Name: "a", Lat: f(10), Password: "abc"}, ""},
		{"zero latitude is present", sample{Name: "a", Lat: f(0), Password: "abc"}, ""},
		{"missing name", sample{Lat: f(10), Password: "abc"}, "name"},
		{"missing latitude", sample{Name: "a", Password: "abc"}, "latitude"},
		{"latitude out of range", sample{Name: "a", Lat: f(91), Password: "abc"}, "latitude"},
		{"negative speed", sample{Name: "a", Lat: f(1), Speed: f(-1), Password: "abc"}, "speed"},
		{"bad enum", sample{Name: "a", Lat: f(1), Status: "bad", Password: "abc"}, "status"},
		{"count too big", sample{Name: "a", Lat: f(1), Count: 4, Password: "abc"}, "count"},
		{"short password", sample{Name: "a", Lat: f(1), Password: "ab"}, "password"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.Validate(&tt.in)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("expected error mentioning %q", tt.wantErr)
			}
			if !errors.Is(err, ErrInvalid) {
				t.Errorf("error %v does not wrap ErrInvalid", err)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestValidate_NotStruct(t *testing.T) {
	if err := NewValidator().Validate(42); err == nil {
		t.Error("expected error for non-struct")
	}
}
