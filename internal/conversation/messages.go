package conversation

import (
	"fmt"
	"strings"

	"github.com/tinkubot/client-ai/internal/flowstore"
)

// User-facing message templates. All copy is Ecuadorian-Spanish WhatsApp
// style: short lines, bold markers, an emoji where the original had one.
const (
	MsgInitialPrompt = "*¡Hola! Soy TinkuBot 🤖*\n\nCuéntame en una palabra qué servicio necesitas (por ejemplo: plomero, electricista, profesor)."

	MsgAskCity        = "*¿En qué ciudad lo necesitas?*"
	MsgUnknownCity    = "No reconocí la ciudad. Escríbela de nuevo usando una ciudad de Ecuador (ej: Quito, Guayaquil, Cuenca)."
	MsgConfirming     = "⏳ *Estoy confirmando disponibilidad de proveedores. Te aviso en breve.*"
	MsgSearching      = "⏳ *Estoy buscando expertos. Te aviso en breve.*"
	MsgStillSearching = "⏳ Sigo buscando, dame unos segundos más."

	MsgInactivityReset = "*No tuve respuesta y reinicié la conversación para ayudarte mejor*, TinkuBot."
	MsgNewSession      = "Nueva sesión iniciada."
	MsgFarewell        = "*¡Gracias por utilizar nuestros servicios!* Si necesitas otro apoyo, solo escríbeme."
	MsgSoftClose       = "Perfecto ✅. Cuando necesites algo más, solo escríbeme y estaré aquí para ayudarte."
	MsgRephrase        = "¿Podrías reformular tu mensaje?"

	MsgServiceFormatError = "Para ayudarte necesito el servicio en pocas palabras (por ejemplo: plomero, electricista, profesor)."

	MsgServiceUnclear = "Estoy teniendo problemas para entender exactamente el servicio que necesitas. ¿Podrías decirlo en una palabra? Por ejemplo: marketing, diseño, plomería."

	MsgSelectProvider = "Responde con el número del proveedor que te interesa."
)

// MsgFoundCount reports how many experts the search returned.
func MsgFoundCount(count int, city string) string {
	if count == 1 {
		return fmt.Sprintf("He encontrado *1 experto* en %s.", city)
	}
	return fmt.Sprintf("He encontrado *%d expertos* en %s.", count, city)
}

// MsgProviderListIntro heads the provider list block.
func MsgProviderListIntro(city string) string {
	return fmt.Sprintf("✅ *Estos son los proveedores disponibles en %s:*", city)
}

// ProviderListBlock renders the compact numbered provider list (max 5).
func ProviderListBlock(providers []flowstore.Provider) string {
	var b strings.Builder
	for i, p := range providers {
		if i == 5 {
			break
		}
		name := p.Name
		if name == "" {
			name = "Proveedor"
		}
		fmt.Fprintf(&b, "*%d.* %s", i+1, name)
		if p.Rating > 0 {
			fmt.Fprintf(&b, " ⭐ %.1f", p.Rating)
		}
		if p.Profession != "" {
			fmt.Fprintf(&b, " — %s", p.Profession)
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

// ProviderDetailBlock renders the full card for a chosen provider.
func ProviderDetailBlock(p flowstore.Provider) string {
	name := p.Name
	if name == "" {
		name = "Proveedor"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "*%s*\n", name)
	if p.Verified {
		b.WriteString("✅ Verificado\n")
	}
	if p.City != "" {
		fmt.Fprintf(&b, "📍 %s\n", p.City)
	}
	if p.Rating > 0 {
		fmt.Fprintf(&b, "⭐ %.1f/5\n", p.Rating)
	}
	if p.Profession != "" {
		fmt.Fprintf(&b, "🔧 %s\n", p.Profession)
	}
	if len(p.Services) > 0 {
		capped := p.Services
		if len(capped) > 3 {
			capped = capped[:3]
		}
		fmt.Fprintf(&b, "🛠 %s\n", strings.Join(capped, ", "))
	}
	if p.Experience > 0 {
		fmt.Fprintf(&b, "📅 %d años de experiencia\n", p.Experience)
	}
	b.WriteString("\n")
	b.WriteString(ProviderDetailMenu)
	return b.String()
}

// ProviderDetailMenu lists the actions available on a provider card.
const ProviderDetailMenu = "*1.* Contactar\n*2.* Ver otro proveedor\n*3.* Salir"

// MsgConnection is the formal handoff message after the user chooses to
// contact a provider.
func MsgConnection(p flowstore.Provider, service string) string {
	name := p.Name
	if name == "" {
		name = "el proveedor"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "🤝 *¡Listo! Te he conectado con %s.*\n\n", name)
	if p.Phone != "" {
		fmt.Fprintf(&b, "Su número es: %s\n", p.Phone)
	}
	if service != "" {
		fmt.Fprintf(&b, "Le avisé que necesitas *%s*.\n", service)
	}
	b.WriteString("\nTe contactará pronto. En unas horas te preguntaré cómo te fue. 😊")
	return b.String()
}

// MsgNoResults is shown when the search finds nothing in a city.
func MsgNoResults(city string) string {
	return fmt.Sprintf("😔 Por ahora no encontré proveedores disponibles en %s.", city)
}

// MsgNoAvailability titles the confirm prompt when candidates were found
// but nobody accepted in time.
func MsgNoAvailability(service, city string) string {
	return fmt.Sprintf("Por ahora ningún %s confirmó disponibilidad en %s.", service, city)
}

// ConfirmTitleDefault titles the retry prompt after a dead end.
const ConfirmTitleDefault = "¿Quieres que busque de nuevo?"

// ConfirmOptions lists the labels for the confirm-new-search menu. The
// city option appears only when enabled for the current prompt.
func ConfirmOptions(includeCityOption bool) []string {
	options := []string{"Buscar otro servicio"}
	if includeCityOption {
		options = append(options, "Cambiar de ciudad")
	}
	return append(options, "No, por ahora está bien")
}

// ConfirmMenuBlock renders the numbered confirm menu.
func ConfirmMenuBlock(includeCityOption bool) string {
	var b strings.Builder
	for i, option := range ConfirmOptions(includeCityOption) {
		fmt.Fprintf(&b, "*%d.* %s\n", i+1, option)
	}
	return strings.TrimRight(b.String(), "\n")
}

// MsgNumericFooter nudges the user toward numbered answers.
const MsgNumericFooter = "Responde con el número de la opción."

// BoldTitle wraps a confirm title in a single pair of asterisks.
func BoldTitle(title string) string {
	stripped := strings.Trim(strings.TrimSpace(title), "*")
	if stripped == "" {
		return ""
	}
	return "*" + stripped + "*"
}

// MsgRerouteService acknowledges a service change mid-city-prompt.
func MsgRerouteService(service string) string {
	return fmt.Sprintf("Entendido, para *%s* ¿en qué ciudad lo necesitas? (ejemplo: Quito, Cuenca)", service)
}
