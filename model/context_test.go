package model

import (
	"context"
	"testing"
)

func TestRequestContext_Validate(t *testing.T) {
	tests := []struct {
		name    string
		rc      *RequestContext
		wantErr bool
	}{
		{name: "valid context", rc: &RequestContext{SubjectID: "staff-1"}, wantErr: false},
		{name: "missing SubjectID", rc: &RequestContext{Email: "a@example.com"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.rc.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestRequestContext_HasRole(t *testing.T) {
	rc := &RequestContext{Roles: []string{RoleStaff, RoleAdvisor}}
	if !rc.HasRole(RoleStaff) {
		t.Error("HasRole(staff) = false, want true")
	}
	if rc.HasRole(RoleStudent) {
		t.Error("HasRole(student) = true, want false")
	}
}

func TestRequestContext_IsStaff(t *testing.T) {
	tests := []struct {
		roles []string
		want  bool
	}{
		{[]string{RoleStudent}, false},
		{[]string{RoleStaff}, true},
		{[]string{RoleAdmin}, true},
		{[]string{RoleAdvisor}, true},
		{nil, false},
	}
	for _, tt := range tests {
		rc := &RequestContext{Roles: tt.roles}
		if got := rc.IsStaff(); got != tt.want {
			t.Errorf("IsStaff(%v) = %v, want %v", tt.roles, got, tt.want)
		}
	}
}

func TestRequestContext_Claim(t *testing.T) {
	rc := &RequestContext{Claims: map[string]any{"email": "s@example.ac.th"}}
	if got := rc.Claim("email"); got != "s@example.ac.th" {
		t.Errorf("Claim(email) = %v", got)
	}
	if got := rc.Claim("missing"); got != nil {
		t.Errorf("Claim(missing) = %v, want nil", got)
	}
	if got := (&RequestContext{}).Claim("any"); got != nil {
		t.Errorf("Claim on nil claims = %v, want nil", got)
	}
}

func TestWithRequestContext_and_RequestContextFrom(t *testing.T) {
	rctx := &RequestContext{SubjectID: "staff-1"}
	ctx := WithRequestContext(context.Background(), rctx)
	if got := RequestContextFrom(ctx); got != rctx {
		t.Errorf("RequestContextFrom() = %v, want %v", got, rctx)
	}
	if got := RequestContextFrom(context.Background()); got != nil {
		t.Errorf("RequestContextFrom(empty) = %v, want nil", got)
	}
}

func TestMustRequestContext_absent_panics(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Error("MustRequestContext(empty context) did not panic")
		}
	}()
	MustRequestContext(context.Background())
}
