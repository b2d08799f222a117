package main

// The character catalog. Tokens are 1-based ids into this table; the ids
// are what travels over the wire, the names only matter for display and
// for the reveal after a correct guess.

const characterCount = 15

var characterNames = map[int]string{
	1:  "Margot",
	2:  "Ezra",
	3:  "Delphine",
	4:  "Hugo",
	5:  "Ingrid",
	6:  "Balthazar",
	7:  "Pearl",
	8:  "Otis",
	9:  "Ramona",
	10: "Silas",
	11: "Juniper",
	12: "Cornelius",
	13: "Wanda",
	14: "Alfie",
	15: "Prudence",
}

func characterName(id int) string {
	name, ok := characterNames[id]
	if !ok {
		return "Unknown"
	}

	return name
}
