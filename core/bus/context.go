package bus

// ExtRetries is the context extension carrying the transport's redelivery
// count for the current message.
const ExtRetries = "retries"

// Context holds per-invocation pipeline state. It is exclusively owned by
// one message invocation and must not be shared across goroutines.
type Context struct {
	ext map[string]any
}

func NewContext() *Context {
	return &Context{ext: map[string]any{}}
}

func (c *Context) Set(key string, v any) { c.ext[key] = v }

func (c *Context) Get(key string) (any, bool) {
	v, ok := c.ext[key]
	return v, ok
}

// Int returns the extension as an int, or def when absent or of another type.
func (c *Context) Int(key string, def int) int {
	if v, ok := c.ext[key]; ok {
		if i, ok := v.(int); ok {
			return i
		}
	}
	return def
}
