package tsresolve

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
)

func TestResolve_EmptyNames(t *testing.T) {
	oids, err := Resolve(context.Background(), "host=unreachable", nil, zerolog.Nop())
	if err != nil {
		t.Fatalf("Resolve with no names should not attempt to connect: %v", err)
	}
	if oids != nil {
		t.Errorf("oids = %v, want nil", oids)
	}
}
