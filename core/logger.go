package core

type (
	// Logger is the application wide logger.
	// Extra args may be errors, map[string]interface{} (custom data) or a Person.
	Logger interface {
		Debug(msg string, args ...interface{})
		Info(msg string, args ...interface{})
		Warn(msg string, args ...interface{})
		Error(msg string, args ...interface{})
		Fatal(msg string, args ...interface{})
	}

	// Person identifies the caller an event should be attributed to.
	Person struct {
		ID    string
		Name  string
		Email string
	}
)
