package otp

import "testing"

func TestExtractCode(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{
			name: "verification code phrasing",
			body: "Your verification code is 123456. It expires in 10 minutes.",
			want: "123456",
		},
		{
			name: "one-time passcode phrasing",
			body: "Use this one-time passcode: 654321",
			want: "654321",
		},
		{
			name: "code on its own line",
			body: "Hello,\n\nYour code:\n\n987654\n\nThanks",
			want: "987654",
		},
		{
			name: "bare six digits",
			body: "775533",
			want: "775533",
		},
		{
			name: "prefers labeled code over other numbers",
			body: "Case 202601 updated. Your security code is 445566.",
			want: "445566",
		},
		{
			name: "no code",
			body: "Your invoice is attached.",
			want: "",
		},
		{
			name: "ignores longer digit runs",
			body: "Reference 12345678 received.",
			want: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ExtractCode(tt.body); got != tt.want {
				t.Errorf("ExtractCode(%q) = %q, want %q", tt.body, got, tt.want)
			}
		})
	}
}
