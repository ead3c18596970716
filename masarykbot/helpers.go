package masarykbot

import (
	"context"
	"log/slog"
	"reflect"
	"strings"
	"sync"
	"unicode"
	"unicode/utf8"
)

const loggerContextKey contextKey = "logger"

type contextKey string

const (
	// defaultFaculty is the faculty assumed when a course code is given
	// without an explicit faculty prefix.
	defaultFaculty = "FI"

	// facultyMarker separates the faculty from the code inside channel
	// names. Discord forbids ':' in text channel names, so the visually
	// similar U+A789 modifier letter colon is used instead.
	facultyMarker = "꞉"

	// courseRolePrefix prefixes the per-course role used once a channel's
	// overwrite table fills up.
	courseRolePrefix = "📖"

	categoryPadRune = 'X'
)

// channelSlug normalizes text the way Discord normalizes channel names:
// lower-cased, runs of non-alphanumeric characters collapsed to a single
// dash. The faculty marker rune is preserved.
func channelSlug(text string) string {
	var b strings.Builder
	lastDash := true
	for _, r := range strings.ToLower(text) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r) || string(r) == facultyMarker:
			b.WriteRune(r)
			lastDash = false
		case !lastDash:
			b.WriteByte('-')
			lastDash = true
		}
	}
	return strings.TrimRight(b.String(), "-")
}

// courseChannelName derives the channel name for a course: the bare code for
// the default faculty, otherwise faculty-marker-qualified, followed by the
// slugged course name.
func courseChannelName(c Course) string {
	if strings.EqualFold(c.Faculty, defaultFaculty) {
		return channelSlug(c.Code + " " + c.Name)
	}
	return channelSlug(c.Faculty + facultyMarker + c.Code + " " + c.Name)
}

// isCourseCode reports whether code has the shape of a course code: a short
// run of letters followed by at least two digits, e.g. IB000, CJL09, MB141.
// Keeps channels like "general-chat" from being mistaken for course channels.
func isCourseCode(code string) bool {
	runes := []rune(code)
	i := 0
	for i < len(runes) && unicode.IsLetter(runes[i]) {
		i++
	}
	if i == 0 || i > 5 {
		return false
	}
	digits := 0
	for i < len(runes) && unicode.IsDigit(runes[i]) {
		digits++
		i++
	}
	if digits < 2 {
		return false
	}
	for ; i < len(runes); i++ {
		if !unicode.IsLetter(runes[i]) && !unicode.IsDigit(runes[i]) {
			return false
		}
	}
	return true
}

// parseChannelCourse extracts (faculty, code) from a channel name of the
// form "code-rest" or "faculty꞉code-rest". ok is false when the name does
// not follow the course channel pattern.
func parseChannelCourse(name string) (faculty, code string, ok bool) {
	prefix, _, found := strings.Cut(name, "-")
	if !found || prefix == "" {
		return "", "", false
	}
	if fac, c, marked := strings.Cut(prefix, facultyMarker); marked {
		if fac == "" || !isCourseCode(c) {
			return "", "", false
		}
		return strings.ToUpper(fac), strings.ToUpper(c), true
	}
	if !isCourseCode(prefix) {
		return "", "", false
	}
	return defaultFaculty, strings.ToUpper(prefix), true
}

// categoryName maps a trie prefix to the category display name, padding the
// prefix to a fixed width so names sort and compare predictably.
func categoryName(faculty, prefix string) string {
	for utf8.RuneCountInString(prefix) < categoryPrefixPadWidth {
		prefix += string(categoryPadRune)
	}
	return strings.ToUpper(faculty + ":" + prefix)
}

// parseCourseArg splits a user-supplied course argument into faculty and
// code. "FF:CJL09" addresses another faculty; a bare "IB000" defaults to FI.
func parseCourseArg(arg string) (faculty, code string) {
	if fac, c, found := strings.Cut(arg, ":"); found {
		return strings.ToUpper(fac), strings.ToUpper(c)
	}
	return defaultFaculty, strings.ToUpper(arg)
}

// truncate shortens the input string to a specified number of characters.
func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n])
}

// keyedMutex provides a mutex per string key. Used to serialize the
// threshold-check/channel-create section per (guild, course) so racing joins
// cannot both create a channel.
type keyedMutex struct {
	locks sync.Map
}

func (k *keyedMutex) Lock(key string) {
	mu, _ := k.locks.LoadOrStore(key, &sync.Mutex{})
	mu.(*sync.Mutex).Lock()
}

func (k *keyedMutex) Unlock(key string) {
	mu, ok := k.locks.Load(key)
	if ok {
		mu.(*sync.Mutex).Unlock()
	}
}

// structToSlogValue converts a struct to a slog.Value, using the struct's
// JSON tag as the key for each field, if set.
// If the `log` tag is set, the value specified will override the
// field's actual value. Ex: `log:"[redacted]"` will cause "[redacted]" to
// be shown as the field's value.
func structToSlogValue(v any) slog.Value {
	typ := reflect.TypeOf(v)
	if typ == nil {
		return slog.AnyValue(nil)
	}
	val := reflect.ValueOf(v)

	if typ.Kind() == reflect.Ptr {
		if val.IsNil() {
			return slog.AnyValue(nil)
		}
		val = val.Elem()
		typ = typ.Elem()
	}

	if typ.Kind() != reflect.Struct {
		return slog.AnyValue(v)
	}

	var groupAttrs []slog.Attr

	for i := 0; i < typ.NumField(); i++ {
		field := typ.Field(i)
		jsonTag, _, _ := strings.Cut(field.Tag.Get("json"), ",")

		if jsonTag == "" {
			jsonTag = field.Name
		}

		fv := val.Field(i)
		if !fv.CanInterface() {
			continue
		}

		logTag := field.Tag.Get("log")
		if logTag != "" {
			groupAttrs = append(
				groupAttrs,
				slog.Attr{Key: jsonTag, Value: slog.StringValue(logTag)},
			)
			continue
		}

		// skip struct values that are nil or empty
		skip := false
		switch fv.Kind() {
		case reflect.Ptr:
			if fv.IsNil() {
				skip = true
			}
		case reflect.Map, reflect.Slice:
			if fv.IsNil() || fv.Len() == 0 {
				skip = true
			}
		case reflect.String:
			if fv.String() == "" {
				skip = true
			}
		}

		if skip {
			continue
		}

		fieldValue := fv.Interface()
		groupAttrs = append(
			groupAttrs,
			slog.Attr{Key: jsonTag, Value: structToSlogValue(fieldValue)},
		)
	}

	return slog.GroupValue(groupAttrs...)
}

// WithLogger returns a new context with the given logger added.
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	if logger == nil {
		logger = slog.Default()
	}
	return context.WithValue(ctx, loggerContextKey, logger)
}

// ContextLogger returns a logger from the given context if one
// is present, and a boolean indicating whether a logger was found.
func ContextLogger(ctx context.Context) (*slog.Logger, bool) {
	logger, ok := ctx.Value(loggerContextKey).(*slog.Logger)
	return logger, ok
}
