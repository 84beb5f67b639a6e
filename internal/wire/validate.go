package wire

import "strings"

const maxNameLength = 255

// ValidBusName reports whether s is a syntactically valid bus name, either
// well-known ("com.example.Svc") or unique (":1.42").
func ValidBusName(s string) bool {
	if s == "" || len(s) > maxNameLength {
		return false
	}
	if s[0] == ':' {
		return validName(s[1:], true)
	}
	return validName(s, false)
}

// ValidWellKnownName reports whether s is a valid well-known name. Unique
// names are rejected.
func ValidWellKnownName(s string) bool {
	return ValidBusName(s) && s[0] != ':'
}

// IsUniqueName reports whether s has the unique-name form.
func IsUniqueName(s string) bool {
	return strings.HasPrefix(s, ":")
}

// validName checks the element-dot-element structure shared by well-known
// and unique names. Unique names allow digits to lead an element.
func validName(s string, digitsLead bool) bool {
	if s == "" {
		return false
	}
	elements := strings.Split(s, ".")
	if len(elements) < 2 {
		return false
	}
	for _, e := range elements {
		if !validElement(e, digitsLead, true) {
			return false
		}
	}
	return true
}

// ValidInterface reports whether s is a valid interface (or error) name.
func ValidInterface(s string) bool {
	if s == "" || len(s) > maxNameLength {
		return false
	}
	elements := strings.Split(s, ".")
	if len(elements) < 2 {
		return false
	}
	for _, e := range elements {
		if !validElement(e, false, false) {
			return false
		}
	}
	return true
}

// ValidMember reports whether s is a valid member name.
func ValidMember(s string) bool {
	if s == "" || len(s) > maxNameLength {
		return false
	}
	return validElement(s, false, false)
}

func validElement(e string, digitsLead, allowHyphen bool) bool {
	if e == "" {
		return false
	}
	for i := 0; i < len(e); i++ {
		c := e[i]
		switch {
		case c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z', c == '_':
		case allowHyphen && c == '-':
		case c >= '0' && c <= '9':
			if i == 0 && !digitsLead {
				return false
			}
		default:
			return false
		}
	}
	return true
}
