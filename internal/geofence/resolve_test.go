package geofence

import (
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"
)

func TestHaversineKnownDistances(t *testing.T) {
	cases := []struct {
		name                   string
		lat1, lon1, lat2, lon2 float64
		want                   float64
	}{
		{"same point", 50.8244, 3.2506, 50.8244, 3.2506, 0},
		{"one degree on equator", 0, 0, 0, 1, 111194.93},
		{"core to square", 50.8243776, 3.2500602, 50.8243668, 3.3047714, 3843.01},
		{"algemene diensten to the level", 50.8219128, 3.2505731, 50.8274911, 3.2546115, 682.06},
	}
	for _, tc := range cases {
		got := Haversine(tc.lat1, tc.lon1, tc.lat2, tc.lon2)
		if math.Abs(got-tc.want) > 0.05 {
			t.Errorf("%s: expected %.2f, got %.2f", tc.name, tc.want, got)
		}
	}
}

func TestResolveAtCenter(t *testing.T) {
	catalog := mustDefaultCatalog(t)
	core, ok := catalog.Lookup("kortrijk-weide-the-core")
	if !ok {
		t.Fatal("the core missing from default catalog")
	}
	res, err := catalog.Resolve(core.Latitude, core.Longitude)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.Nearest.ID != core.ID {
		t.Errorf("expected nearest %s, got %s", core.ID, res.Nearest.ID)
	}
	if res.DistanceMeters != 0 || res.Distance != 0 {
		t.Errorf("expected zero distance, got %v (%d)", res.DistanceMeters, res.Distance)
	}
	if !res.InsideAnyRadius {
		t.Error("expected point at center to be inside")
	}
}

func TestResolveTieKeepsFirstBuilding(t *testing.T) {
	buildings := []Building{
		{ID: "core", Latitude: 50.8244, Longitude: 3.2506, RadiusMeters: 200},
		{ID: "ugent", Latitude: 50.8244, Longitude: 3.2506, RadiusMeters: 200},
	}
	res, err := Resolve(50.8244, 3.2506, buildings)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.Nearest.ID != "core" || !res.InsideAnyRadius {
		t.Fatalf("unexpected resolution: %+v", res)
	}

	buildings[0], buildings[1] = buildings[1], buildings[0]
	res, err = Resolve(50.8244, 3.2506, buildings)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.Nearest.ID != "ugent" {
		t.Fatalf("expected first listed building after swap, got %s", res.Nearest.ID)
	}
}

func TestResolveAntipode(t *testing.T) {
	halfCircumference := math.Pi * EarthRadiusMeters
	single := []Building{{ID: "core", Latitude: 50.8244, Longitude: 3.2506, RadiusMeters: 200}}
	coLocated := []Building{
		{ID: "core", Latitude: 50.8244, Longitude: 3.2506, RadiusMeters: 200},
		{ID: "ugent", Latitude: 50.8244, Longitude: 3.2506, RadiusMeters: 200},
	}
	points := [][2]float64{
		{-50.8244, -176.7494},
		{-50.824400198, -176.74940025},
	}
	for _, buildings := range [][]Building{single, coLocated} {
		for _, p := range points {
			d := Haversine(p[0], p[1], buildings[0].Latitude, buildings[0].Longitude)
			if math.IsNaN(d) {
				t.Fatalf("Haversine(%v) = NaN", p)
			}
			res, err := Resolve(p[0], p[1], buildings)
			if err != nil {
				t.Fatalf("Resolve(%v): %v", p, err)
			}
			if res.Nearest.ID != "core" {
				t.Fatalf("expected first building, got %q", res.Nearest.ID)
			}
			if res.InsideAnyRadius {
				t.Fatal("antipode cannot be inside a 200m radius")
			}
			if math.Abs(res.DistanceMeters-halfCircumference) > 1000 {
				t.Fatalf("distance %.0f, want about %.0f", res.DistanceMeters, halfCircumference)
			}
		}
	}
}

func TestResolveContainmentIndependentOfNearest(t *testing.T) {
	buildings := []Building{
		{ID: "small", Latitude: 0, Longitude: 0, RadiusMeters: 10},
		{ID: "large", Latitude: 0, Longitude: 0.002, RadiusMeters: 500},
	}
	res, err := Resolve(0, 0.0008, buildings)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.Nearest.ID != "small" {
		t.Errorf("expected nearest small, got %s", res.Nearest.ID)
	}
	if !res.InsideAnyRadius {
		t.Error("expected point to be inside the large geofence")
	}
	if buildings[0].Contains(0, 0.0008) {
		t.Error("small geofence should not contain the point")
	}
}

func TestResolveOutsideEveryRadius(t *testing.T) {
	catalog := mustDefaultCatalog(t)
	res, err := catalog.Resolve(50.8250, 3.2800)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.InsideAnyRadius {
		t.Error("expected point between campuses to be outside")
	}
	if res.Nearest.ID != "kortrijk-buda" {
		t.Errorf("expected nearest kortrijk-buda, got %s", res.Nearest.ID)
	}
	if res.Distance != 1381 {
		t.Errorf("expected rounded distance 1381, got %d", res.Distance)
	}
}

func TestResolveDeterministic(t *testing.T) {
	catalog := mustDefaultCatalog(t)
	first, err := catalog.Resolve(50.8252776, 3.2500602)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	for i := 0; i < 50; i++ {
		again, err := catalog.Resolve(50.8252776, 3.2500602)
		if err != nil {
			t.Fatalf("Resolve: %v", err)
		}
		if again.Nearest.ID != first.Nearest.ID || math.Abs(again.DistanceMeters-first.DistanceMeters) > 1e-6 {
			t.Fatalf("resolution changed: %+v vs %+v", first, again)
		}
	}
	if first.Nearest.ID != "kortrijk-weide-the-core" {
		t.Errorf("expected the core, got %s", first.Nearest.ID)
	}
}

func TestResolveErrors(t *testing.T) {
	if _, err := Resolve(1, 1, nil); !errors.Is(err, ErrNoBuildings) {
		t.Errorf("expected ErrNoBuildings, got %v", err)
	}
	buildings := []Building{{ID: "a", RadiusMeters: 1}}
	if _, err := Resolve(math.NaN(), 1, buildings); !errors.Is(err, ErrInvalidCoordinate) {
		t.Errorf("expected ErrInvalidCoordinate for NaN, got %v", err)
	}
	if _, err := Resolve(91, 1, buildings); !errors.Is(err, ErrInvalidCoordinate) {
		t.Errorf("expected ErrInvalidCoordinate for lat 91, got %v", err)
	}
}

func TestJoinPolicy(t *testing.T) {
	outside := Resolution{InsideAnyRadius: false}
	inside := Resolution{InsideAnyRadius: true}
	if PolicyInside.Eligible(outside) || !PolicyInside.Eligible(inside) {
		t.Error("inside policy should only accept contained points")
	}
	if !PolicyNearest.Eligible(outside) {
		t.Error("nearest policy should accept any resolution")
	}
	for in, want := range map[string]JoinPolicy{"": PolicyInside, "inside": PolicyInside, "Nearest": PolicyNearest} {
		got, err := ParseJoinPolicy(in)
		if err != nil || got != want {
			t.Errorf("ParseJoinPolicy(%q) = %v, %v", in, got, err)
		}
	}
	if _, err := ParseJoinPolicy("anywhere"); err == nil {
		t.Error("expected error for unknown policy")
	}
}

func TestCatalogValidation(t *testing.T) {
	if _, err := NewCatalog(nil); !errors.Is(err, ErrNoBuildings) {
		t.Errorf("expected ErrNoBuildings, got %v", err)
	}
	dup := []Building{
		{ID: "a", Latitude: 1, Longitude: 1, RadiusMeters: 10},
		{ID: "a", Latitude: 2, Longitude: 2, RadiusMeters: 10},
	}
	if _, err := NewCatalog(dup); err == nil {
		t.Error("expected duplicate id error")
	}
	if _, err := NewCatalog([]Building{{ID: "a", RadiusMeters: 0}}); err == nil {
		t.Error("expected radius error")
	}
	if _, err := NewCatalog([]Building{{ID: " ", RadiusMeters: 5}}); err == nil {
		t.Error("expected missing id error")
	}
}

func TestLoadCatalogFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "buildings.yaml")
	doc := []byte(`buildings:
  - id: lab
    name: Lab
    latitude: 51.05
    longitude: 3.72
    radius_meters: 75
`)
	if err := os.WriteFile(path, doc, 0o600); err != nil {
		t.Fatal(err)
	}
	catalog, err := LoadCatalog(path)
	if err != nil {
		t.Fatalf("LoadCatalog: %v", err)
	}
	lab, ok := catalog.Lookup("lab")
	if !ok || lab.RadiusMeters != 75 || catalog.Len() != 1 {
		t.Fatalf("unexpected catalog contents: %+v", catalog.All())
	}
	if _, err := LoadCatalog(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestDefaultCatalogKeepsCoLocatedBuildings(t *testing.T) {
	catalog := mustDefaultCatalog(t)
	if catalog.Len() != 8 {
		t.Fatalf("expected 8 campuses, got %d", catalog.Len())
	}
	core, _ := catalog.Lookup("kortrijk-weide-the-core")
	ugent, _ := catalog.Lookup("ugent-campus-kortrijk")
	if core.Latitude != ugent.Latitude || core.Longitude != ugent.Longitude {
		t.Error("expected the core and ugent to share coordinates")
	}
}

func mustDefaultCatalog(t *testing.T) *Catalog {
	t.Helper()
	catalog, err := DefaultCatalog()
	if err != nil {
		t.Fatalf("DefaultCatalog: %v", err)
	}
	return catalog
}
