package textnorm

import "testing"

func TestNormalize(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Plomería", "plomeria"},
		{"  NECESITO   un   Electricista!! ", "necesito un electricista"},
		{"Durán", "duran"},
		{"¿Qué tal?", "que tal"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := Normalize(tt.in); got != tt.want {
			t.Fatalf("Normalize(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestNormalizeCityInputRoundTrip(t *testing.T) {
	// Every canonical city must normalize to itself and every synonym to
	// its canonical form.
	for canonical, synonyms := range CitySynonyms {
		if got := NormalizeCityInput(canonical); got != canonical {
			t.Fatalf("NormalizeCityInput(%q) = %q, want canonical", canonical, got)
		}
		for _, syn := range synonyms {
			if got := NormalizeCityInput(syn); got != canonical {
				t.Fatalf("NormalizeCityInput(%q) = %q, want %q", syn, got, canonical)
			}
		}
	}
}

func TestNormalizeCityInputUnknown(t *testing.T) {
	if got := NormalizeCityInput("bogota"); got != "" {
		t.Fatalf("expected empty canonical for unknown city, got %q", got)
	}
	if got := NormalizeCityInput(""); got != "" {
		t.Fatalf("expected empty canonical for empty input, got %q", got)
	}
}

func TestInterpretYesNo(t *testing.T) {
	tests := []struct {
		in   string
		want string // "yes", "no", "nil"
	}{
		{"sí", "yes"},
		{"Si, claro", "yes"},
		{"por supuesto", "yes"},
		{"1", "yes"},
		{"2", "no"},
		{"no gracias", "no"},
		{"prefiero no", "no"},
		{"tal vez", "nil"},
		{"", "nil"},
	}
	for _, tt := range tests {
		got := InterpretYesNo(tt.in)
		switch tt.want {
		case "yes":
			if got == nil || !*got {
				t.Fatalf("InterpretYesNo(%q) = %v, want yes", tt.in, got)
			}
		case "no":
			if got == nil || *got {
				t.Fatalf("InterpretYesNo(%q) = %v, want no", tt.in, got)
			}
		case "nil":
			if got != nil {
				t.Fatalf("InterpretYesNo(%q) = %v, want nil", tt.in, *got)
			}
		}
	}
}

func TestIsGreetingAndReset(t *testing.T) {
	if !IsGreeting("Hola") || !IsGreeting("buenos días") {
		t.Fatal("expected greetings to be detected")
	}
	if IsGreeting("necesito un plomero") {
		t.Fatal("service request misclassified as greeting")
	}
	if !IsResetKeyword("REINICIAR") {
		t.Fatal("expected reset keyword")
	}
	if IsResetKeyword("reiniciar todo") {
		t.Fatal("reset must match the whole message")
	}
}

func TestContainsTerm(t *testing.T) {
	text := Normalize("necesito un plomero en quito urgente")
	if !ContainsTerm(text, "plomero") {
		t.Fatal("expected term match")
	}
	if ContainsTerm(text, "plo") {
		t.Fatal("substring must not match partial words")
	}
}
