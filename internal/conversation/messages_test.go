package conversation

import (
	"strings"
	"testing"

	"github.com/tinkubot/client-ai/internal/flowstore"
)

func TestProviderListBlock(t *testing.T) {
	providers := []flowstore.Provider{
		{Name: "Juan", Rating: 4.8, Profession: "plomero"},
		{Name: "Ana"},
	}
	block := ProviderListBlock(providers)

	lines := strings.Split(block, "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %q", block)
	}
	if !strings.HasPrefix(lines[0], "*1.* Juan") || !strings.Contains(lines[0], "4.8") {
		t.Fatalf("unexpected first line: %q", lines[0])
	}
	if lines[1] != "*2.* Ana" {
		t.Fatalf("unexpected second line: %q", lines[1])
	}
}

func TestProviderListBlockCapsAtFive(t *testing.T) {
	providers := make([]flowstore.Provider, 7)
	for i := range providers {
		providers[i] = flowstore.Provider{Name: "P"}
	}
	block := ProviderListBlock(providers)
	if got := len(strings.Split(block, "\n")); got != 5 {
		t.Fatalf("expected 5 lines, got %d", got)
	}
}

func TestProviderDetailBlock(t *testing.T) {
	p := flowstore.Provider{
		Name:       "Juan",
		City:       "Quito",
		Rating:     4.5,
		Profession: "plomero",
		Services:   []string{"fugas", "tuberías", "grifería", "calefones"},
		Experience: 8,
		Verified:   true,
	}
	block := ProviderDetailBlock(p)

	for _, want := range []string{
		"*Juan*", "✅ Verificado", "📍 Quito", "⭐ 4.5/5", "🔧 plomero",
		"8 años de experiencia", "*1.* Contactar", "*3.* Salir",
	} {
		if !strings.Contains(block, want) {
			t.Fatalf("detail block missing %q:\n%s", want, block)
		}
	}
	if strings.Contains(block, "calefones") {
		t.Fatalf("services must be capped at 3:\n%s", block)
	}
}

func TestConfirmMenuBlock(t *testing.T) {
	without := ConfirmMenuBlock(false)
	if strings.Contains(without, "Cambiar de ciudad") {
		t.Fatalf("city option must be absent:\n%s", without)
	}
	if !strings.Contains(without, "*1.* Buscar otro servicio") || !strings.Contains(without, "*2.* No, por ahora está bien") {
		t.Fatalf("unexpected menu:\n%s", without)
	}

	with := ConfirmMenuBlock(true)
	if !strings.Contains(with, "*2.* Cambiar de ciudad") {
		t.Fatalf("city option must be second:\n%s", with)
	}
}

func TestBoldTitle(t *testing.T) {
	tests := []struct{ in, want string }{
		{"hola", "*hola*"},
		{"*ya en negrita*", "*ya en negrita*"},
		{"  espacios  ", "*espacios*"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := BoldTitle(tt.in); got != tt.want {
			t.Fatalf("BoldTitle(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestMsgFoundCountPluralization(t *testing.T) {
	if got := MsgFoundCount(1, "Quito"); !strings.Contains(got, "1 experto*") {
		t.Fatalf("singular form wrong: %q", got)
	}
	if got := MsgFoundCount(3, "Quito"); !strings.Contains(got, "3 expertos*") {
		t.Fatalf("plural form wrong: %q", got)
	}
}

func TestMsgConnectionIncludesPhoneAndService(t *testing.T) {
	p := flowstore.Provider{Name: "Juan", Phone: "+593911"}
	msg := MsgConnection(p, "plomero")
	if !strings.Contains(msg, "Juan") || !strings.Contains(msg, "+593911") || !strings.Contains(msg, "*plomero*") {
		t.Fatalf("unexpected connection message: %q", msg)
	}
}
