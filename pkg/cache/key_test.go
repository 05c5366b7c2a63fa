package cache

import (
	"net/url"
	"testing"
)

func TestCacheKey_String(t *testing.T) {
	tests := []struct {
		name string
		key  CacheKey
		want string
	}{
		{
			name: "endpoint only",
			key:  CacheKey{Endpoint: "api.example.test/api/data/"},
			want: "ingest:page:api.example.test/api/data",
		},
		{
			name: "query params sorted",
			key: CacheKey{
				Endpoint: "api.example.test/api/data",
				QueryParams: url.Values{
					"pageSize":   []string{"1000"},
					"pageNumber": []string{"3"},
					"sortOrder":  []string{"asc"},
				},
			},
			want: "ingest:page:api.example.test/api/data:pageNumber=3:pageSize=1000:sortOrder=asc",
		},
		{
			name: "multi-valued param keeps every value",
			key: CacheKey{
				Endpoint:    "h/p",
				QueryParams: url.Values{"field": []string{"a", "b"}},
			},
			want: "ingest:page:h/p:field=a,b",
		},
		{
			name: "scope appended",
			key:  CacheKey{Endpoint: "h/p", Scope: "tenant-a"},
			want: "ingest:page:h/p:scope=tenant-a",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.key.String(); got != tt.want {
				t.Errorf("String() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestCacheKey_Determinism(t *testing.T) {
	u1, _ := url.Parse("https://api.example.test/api/data?pageSize=10&pageNumber=2&filterStart=2024-01-01T00:00:00.000Z")
	u2, _ := url.Parse("https://api.example.test/api/data?filterStart=2024-01-01T00:00:00.000Z&pageNumber=2&pageSize=10")

	if KeyForURL(u1, "").String() != KeyForURL(u2, "").String() {
		t.Error("parameter order should not change the key")
	}

	u3, _ := url.Parse("https://api.example.test/api/data?pageSize=10&pageNumber=3")
	if KeyForURL(u1, "").String() == KeyForURL(u3, "").String() {
		t.Error("different pages must not share a key")
	}
}
