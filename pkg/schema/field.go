package schema

// String declares a text field.
func String(name, description string) Field {
	return Field{Name: name, Type: TypeString, Description: description}
}

// Integer declares a whole-number field.
func Integer(name, description string) Field {
	return Field{Name: name, Type: TypeInteger, Description: description}
}

// Number declares a floating-point field.
func Number(name, description string) Field {
	return Field{Name: name, Type: TypeNumber, Description: description}
}

// Bool declares a boolean field.
func Bool(name, description string) Field {
	return Field{Name: name, Type: TypeBoolean, Description: description}
}

// Enum declares a field restricted to options.
func Enum(name, description string, options ...string) Field {
	return Field{Name: name, Type: TypeEnum, Description: description, Enum: options}
}

// List declares an array field whose elements follow items.
func List(name, description string, items Field) Field {
	return Field{Name: name, Type: TypeArray, Description: description, Items: &items}
}

// Strings declares an array-of-text field.
func Strings(name, description string) Field {
	return List(name, description, Field{Type: TypeString})
}

// Object declares a nested object field.
func Object(name, description string, properties ...Field) Field {
	return Field{Name: name, Type: TypeObject, Description: description, Properties: properties}
}

// WithDefault sets the declared default.
func (f Field) WithDefault(v any) Field {
	f.Default = v
	return f
}

// AsOptional marks the field optional.
func (f Field) AsOptional() Field {
	f.Optional = true
	return f
}

// WithFallback sets the enum value used when text matches no option.
func (f Field) WithFallback(v string) Field {
	f.Fallback = v
	return f
}
