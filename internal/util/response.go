package util

type Envelope map[string]any

func Error(code, message string) Envelope {
	return Envelope{"error": Envelope{"code": code, "message": message}}
}

func Data(key string, value any) Envelope {
	return Envelope{key: value}
}
