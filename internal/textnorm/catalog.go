package textnorm

// CommonServices are the canonical service names the static extractor
// recognizes without help from the synonym table.
var CommonServices = []string{
	"plomero",
	"electricista",
	"mecánico",
	"pintor",
	"albañil",
	"gasfitero",
	"cerrajero",
	"veterinario",
	"chef",
	"mesero",
	"profesor",
	"bartender",
	"carpintero",
	"jardinero",
	"abogado",
}

// ServiceSynonyms maps each canonical service to the phrasings users
// actually type. Matching is done over the Normalize form, so accents and
// punctuation in these entries are irrelevant.
var ServiceSynonyms = map[string][]string{
	"plomero": {
		"plomero", "plomeria", "fontanero",
		"fuga de agua", "tuberia", "tuberias", "destapar caneria",
	},
	"electricista": {
		"electricista", "electricidad", "instalacion electrica",
		"corto circuito", "cableado", "se fue la luz", "breaker",
	},
	"mecánico": {
		"mecanico", "mecanica", "taller mecanico", "arreglar carro",
		"reparar auto", "mi carro no enciende",
	},
	"pintor": {
		"pintor", "pintura", "pintar casa", "pintar departamento",
	},
	"albañil": {
		"albanil", "albanileria", "maestro de obra", "construccion",
	},
	"gasfitero": {
		"gasfitero", "gasfiteria", "instalacion de gas",
	},
	"cerrajero": {
		"cerrajero", "cerrajeria", "abrir puerta", "cambio de chapa",
		"llaves",
	},
	"veterinario": {
		"veterinario", "veterinaria", "vacunar mascota", "mi perro",
		"mi gato",
	},
	"chef": {
		"chef", "cocinero", "cocinera", "catering",
	},
	"mesero": {
		"mesero", "mesera", "meseros para evento",
	},
	"profesor": {
		"profesor", "profesora", "clases particulares", "tutor",
		"nivelacion",
	},
	"bartender": {
		"bartender", "barman", "coctelero",
	},
	"carpintero": {
		"carpintero", "carpinteria", "muebles a medida", "puertas de madera",
	},
	"jardinero": {
		"jardinero", "jardineria", "cortar cesped", "podar",
	},
	"abogado": {
		"abogado", "abogada", "asesoria legal", "tramite legal",
		"contratacion publica",
	},
	"marketing": {
		"marketing", "publicidad", "mercadotecnia", "marketing digital",
	},
	"community manager": {
		"community manager", "gestor de redes sociales", "redes sociales",
		"social media manager", "manejo de redes",
	},
	"diseñador gráfico": {
		"disenador grafico", "diseno grafico", "diseno de logo", "logo",
	},
}

// ServiceOrder fixes the scan order for first-match-wins extraction.
var ServiceOrder = []string{
	"plomero", "electricista", "mecánico", "pintor", "albañil",
	"gasfitero", "cerrajero", "veterinario", "chef", "mesero",
	"profesor", "bartender", "carpintero", "jardinero", "abogado",
	"marketing", "community manager", "diseñador gráfico",
}

// CitySynonyms maps canonical Ecuadorian cities to the spellings and
// nicknames seen in real traffic (typos included on purpose).
var CitySynonyms = map[string][]string{
	"Quito":         {"quito", "kitu", "uio"},
	"Guayaquil":     {"guayaquil", "gye"},
	"Cuenca":        {"cuenca", "cueca"},
	"Santo Domingo": {"santo domingo", "santo domingo de los tsachilas"},
	"Manta":         {"manta"},
	"Portoviejo":    {"portoviejo"},
	"Machala":       {"machala"},
	"Durán":         {"duran"},
	"Loja":          {"loja"},
	"Ambato":        {"ambato"},
	"Riobamba":      {"riobamba"},
	"Esmeraldas":    {"esmeraldas"},
	"Quevedo":       {"quevedo"},
	"Babahoyo":      {"babahoyo", "baba hoyo"},
	"Milagro":       {"milagro"},
	"Ibarra":        {"ibarra"},
	"Tulcán":        {"tulcan"},
	"Latacunga":     {"latacunga"},
	"Salinas":       {"salinas"},
}

// CityOrder fixes the scan order for first-match-wins extraction.
var CityOrder = []string{
	"Quito", "Guayaquil", "Cuenca", "Santo Domingo", "Manta",
	"Portoviejo", "Machala", "Durán", "Loja", "Ambato", "Riobamba",
	"Esmeraldas", "Quevedo", "Babahoyo", "Milagro", "Ibarra", "Tulcán",
	"Latacunga", "Salinas",
}

// KnownCities lists the canonical city names, used when asking the LLM to
// pick a city from the valid set.
func KnownCities() []string {
	return append([]string(nil), CityOrder...)
}

// Greetings are bare salutations that carry no service request.
var Greetings = []string{
	"hola", "buenas", "buenas tardes", "buenas noches", "buenos días",
	"buenos dias", "qué tal", "que tal", "hey", "ola", "hello", "hi",
	"saludos",
}

// ResetKeywords force a clean session when typed on their own.
var ResetKeywords = []string{
	"reset", "reiniciar", "reinicio", "empezar", "inicio", "comenzar",
	"start", "nuevo",
}

// AffirmativeWords and NegativeWords back InterpretYesNo.
var AffirmativeWords = []string{
	"si", "sí", "acepto", "claro", "correcto", "dale", "por supuesto",
	"asi es", "así es", "ok", "okay", "vale",
}

var NegativeWords = []string{
	"no", "nop", "cambio", "cambié", "otra", "otro", "negativo",
	"prefiero no",
}
