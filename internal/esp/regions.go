package esp

import "sort"

// DefaultEndpoint is the EU production API.
const DefaultEndpoint = "https://api-esp.piano.io"

// Regions maps region names to their API endpoints.
var Regions = map[string]string{
	"api-esp":         "https://api-esp.piano.io",
	"api-esp-us":      "https://api-esp-us.piano.io",
	"api-esp-ap":      "https://api-esp-ap.piano.io",
	"sandbox-api-esp": "https://sandbox-api-esp.piano.io",
}

// RegionEndpoint returns the endpoint of a known region.
func RegionEndpoint(name string) (string, bool) {
	endpoint, ok := Regions[name]
	return endpoint, ok
}

// RegionNames lists the known regions in sorted order.
func RegionNames() []string {
	names := make([]string, 0, len(Regions))
	for name := range Regions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
