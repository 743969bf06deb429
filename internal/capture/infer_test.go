package capture

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestComputeHash_StableAndTruncated(t *testing.T) {
	base := ComputeHash("TypeError", "boom", "orders/checkout", "at x")
	assert.Len(t, base, 64)
	assert.Equal(t, base, ComputeHash("TypeError", "boom", "orders/checkout", "at x"))
	assert.NotEqual(t, base, ComputeHash("RangeError", "boom", "orders/checkout", "at x"))
	assert.NotEqual(t, base, ComputeHash("TypeError", "boom", "orders/cart", "at x"))

	longMsg := strings.Repeat("m", 200)
	assert.Equal(t,
		ComputeHash("E", longMsg+" request 1", "c", "s"),
		ComputeHash("E", longMsg+" request 2", "c", "s"))

	longStack := strings.Repeat("s", 300)
	assert.Equal(t,
		ComputeHash("E", "m", "c", longStack+"\n at frame 1"),
		ComputeHash("E", "m", "c", longStack+"\n at frame 2"))

	// field boundaries matter
	assert.NotEqual(t, ComputeHash("ab", "c", "", ""), ComputeHash("a", "bc", "", ""))
}

func TestInferSeverity(t *testing.T) {
	tests := []struct {
		explicit, errType, message, want string
	}{
		{"", "FatalError", "worker died", "critical"},
		{"", "Error", "process crashed", "critical"},
		{"", "RangeError", "JavaScript heap out of memory", "critical"},
		{"", "Error", "container OOMKilled", "critical"},
		{"", "runtime.Error", "panic: nil map", "critical"},
		{"", "DeprecationWarning", "use x instead", "warning"},
		{"", "Error", "field is deprecated", "warning"},
		{"", "TypeError", "undefined is not a function", "error"},
		{"", "Error", "no room left in queue", "error"},
		{"info", "FatalError", "explicit wins", "info"},
		{"bogus", "Error", "unknown explicit is ignored", "error"},
	}
	for _, tt := range tests {
		t.Run(tt.message, func(t *testing.T) {
			assert.Equal(t, tt.want, InferSeverity(tt.explicit, tt.errType, tt.message))
		})
	}
}

func TestInferComponent(t *testing.T) {
	tests := []struct {
		name  string
		stack string
		want  string
	}{
		{
			name: "node skips node_modules",
			stack: `TypeError: x
    at Layer.handle (/app/node_modules/express/lib/router/layer.js:95:5)
    at checkout (/app/src/orders/checkout.ts:42:17)`,
			want: "orders/checkout",
		},
		{
			name: "node skips build output",
			stack: `Error: x
    at run (/app/.next/server/chunks/123.js:1:100)
    at handler (/app/dist/api/index.js:3:1)
    at load (/app/src/pages/cart.tsx:10:2)`,
			want: "pages/cart",
		},
		{
			name: "go skips toolchain and module cache",
			stack: `goroutine 1 [running]:
runtime/debug.Stack()
	/usr/local/go/src/runtime/debug/stack.go:24 +0x5e
github.com/lib/pq.(*conn).Exec()
	/root/go/pkg/mod/github.com/lib/pq@v1.10.9/conn.go:300 +0x1d
main.handler()
	/srv/app/internal/billing/invoice.go:88 +0x2a`,
			want: "billing/invoice",
		},
		{
			name:  "python",
			stack: "Traceback (most recent call last):\n  File \"/usr/lib/python3/site-packages/flask/app.py\", line 10, in x\n  File \"/srv/app/payments/refund.py\", line 42, in refund",
			want:  "payments/refund",
		},
		{
			name:  "windows path with vendor",
			stack: `at C:\src\vendor\lib\x.go:1` + "\n" + `at C:\src\api\users.go:12`,
			want:  "api/users",
		},
		{name: "empty", stack: "", want: UnknownComponent},
		{name: "dependencies only", stack: "at (/app/node_modules/a/b.js:1:1)", want: UnknownComponent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, InferComponent(tt.stack))
		})
	}
}
