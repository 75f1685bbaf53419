package tokenutil

import "testing"

func TestEstimateTokens(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    int
	}{
		{
			name:    "empty",
			content: "",
			want:    0,
		},
		{
			name:    "single word",
			content: "sessiond",
			want:    2, // 1 word -> 1; 8 bytes / 4 = 2
		},
		{
			name:    "short words",
			content: "we ran it and it all got done on time",
			want:    13, // 10 words * 1.33 = 13 beats 37 bytes / 4 = 9
		},
		{
			name:    "prose",
			content: "retry the failed execution after the backoff delay expires",
			want:    14, // 58 bytes / 4 = 14 beats 9 words * 1.33 = 11
		},
		{
			name:    "code",
			content: "if err := run(ctx); err != nil { return err }",
			want:    14, // whitespace-split symbols count as words: 11 * 1.33 = 14
		},
		{
			name: "cjk",
			// Three bytes per character and no word breaks, so the
			// byte floor carries it.
			content: "会话引擎正在运行",
			want:    6, // 24 bytes / 4
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := EstimateTokens(tt.content)
			if got != tt.want {
				t.Errorf("EstimateTokens(%q) = %d; want %d", tt.content, got, tt.want)
			}
		})
	}
}

func TestEstimateAll_SumsParts(t *testing.T) {
	system := "You are a coding assistant."
	input := "List the files in the working directory."
	got := EstimateAll(system, "", input)
	want := EstimateTokens(system) + EstimateTokens(input)
	if got != want {
		t.Fatalf("EstimateAll = %d; want %d", got, want)
	}
}
