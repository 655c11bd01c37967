package secrets

import "testing"

func fakeLookup(values map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := values[k]
		return v, ok
	}
}

func TestResolveAllPresent(t *testing.T) {
	r, err := Resolve([]string{"A", "B"}, fakeLookup(map[string]string{"A": "1", "B": "2"}))
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	v, err := r.Get("A")
	if err != nil || v != "1" {
		t.Fatalf("Get(A) = %q, %v", v, err)
	}
}

func TestResolveFailsOnMissing(t *testing.T) {
	_, err := Resolve([]string{"A", "MISSING"}, fakeLookup(map[string]string{"A": "1"}))
	if err == nil {
		t.Fatal("Resolve with missing ref: want error, got nil")
	}
}

func TestResolveFailsOnEmptyValue(t *testing.T) {
	_, err := Resolve([]string{"A"}, fakeLookup(map[string]string{"A": ""}))
	if err == nil {
		t.Fatal("Resolve with empty value: want error, got nil")
	}
}

func TestGetUndeclaredRefFails(t *testing.T) {
	r, err := Resolve([]string{"A"}, fakeLookup(map[string]string{"A": "1"}))
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if _, err := r.Get("NEVER_DECLARED"); err == nil {
		t.Fatal("Get of undeclared ref: want error, got nil")
	}
}

func TestTokenResolverAdapter(t *testing.T) {
	r, err := Resolve([]string{"DISCORD_TOKEN_A"}, fakeLookup(map[string]string{"DISCORD_TOKEN_A": "tok"}))
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	fn := r.TokenResolver()
	v, err := fn("DISCORD_TOKEN_A")
	if err != nil || v != "tok" {
		t.Fatalf("TokenResolver()(\"DISCORD_TOKEN_A\") = %q, %v", v, err)
	}
}
