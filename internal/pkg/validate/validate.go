package validate

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// v is the package-level singleton validator. It is initialised once at
// package load time. Any custom type registrations must be made during init()
// before the first call to Struct.
var v = validator.New()

// pushTokenPattern matches FCM registration tokens and SNS endpoint ARNs.
var pushTokenPattern = regexp.MustCompile(`^[A-Za-z0-9_:-]{100,300}$`)

func init() {
	_ = v.RegisterValidation("pushtoken", func(fl validator.FieldLevel) bool {
		return PushToken(fl.Field().String())
	})
	_ = v.RegisterValidation("deviceid", func(fl validator.FieldLevel) bool {
		return DeviceID(fl.Field().String())
	})
}

// Struct validates the given struct using its validate tags.
// Returns a human-readable error string or nil.
func Struct(s interface{}) error {
	if err := v.Struct(s); err != nil {
		ve, ok := err.(validator.ValidationErrors)
		if !ok {
			return err
		}
		var msgs []string
		for _, fe := range ve {
			msgs = append(msgs, fmt.Sprintf("field '%s' failed '%s'", fe.Field(), fe.Tag()))
		}
		return fmt.Errorf("%s", strings.Join(msgs, "; "))
	}
	return nil
}

// PushToken reports whether token looks like a deliverable push token.
func PushToken(token string) bool {
	return pushTokenPattern.MatchString(token)
}

// DeviceID reports whether s is a version 4 UUID.
func DeviceID(s string) bool {
	u, err := uuid.Parse(s)
	return err == nil && u.Version() == 4 && len(s) == 36
}
