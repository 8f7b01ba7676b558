package jsonrs

// JSON is the interface all JSON implementations in this package satisfy.
type JSON interface {
	Unmarshal(data []byte, v any) error
	MarshalToString(v any) (string, error)
}

var impl JSON = &jsoniterJSON{}

// Unmarshal parses the JSON-encoded data and stores the result in v.
func Unmarshal(data []byte, v any) error {
	return impl.Unmarshal(data, v)
}

// MarshalToString returns the JSON encoding of v as a string.
func MarshalToString(v any) (string, error) {
	return impl.MarshalToString(v)
}
