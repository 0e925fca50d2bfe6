package harvest

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
)

// fxToPLN converts prize amounts to PLN. Keys are lower case currency codes
// or symbols as they appear after the amount.
var fxToPLN = map[string]float64{
	"pln": 1,
	"zł":  1,
	"zl":  1,
	"eur": 4.25,
	"€":   4.25,
	"kč":  0.18,
	"czk": 0.18,
	"skr": 0.42,
	"sek": 0.42,
	"ft":  0.011,
	"huf": 0.011,
	"aed": 1.16,
	"$":   4.0,
	"usd": 4.0,
}

// lookup walks nested objects; a numeric segment indexes an array.
func lookup(v any, path ...string) any {
	for _, p := range path {
		switch x := v.(type) {
		case map[string]any:
			v = x[p]
		case []any:
			i, err := strconv.Atoi(p)
			if err != nil || i < 0 || i >= len(x) {
				return nil
			}
			v = x[i]
		default:
			return nil
		}
	}
	return v
}

// orNil maps empty and zero values to nil, the way the registry reports
// absent fields.
func orNil(v any) any {
	switch x := v.(type) {
	case string:
		if x == "" {
			return nil
		}
	case bool:
		if !x {
			return nil
		}
	case json.Number:
		if f, err := x.Float64(); err == nil && f == 0 {
			return nil
		}
	}
	return v
}

func orZero(v any) any {
	if v = orNil(v); v == nil {
		return json.Number("0")
	}
	return v
}

func flag(v any) bool {
	b, _ := v.(bool)
	return b
}

func NormalizeBreeder(id int64, b map[string]any) map[string]any {
	return map[string]any{
		"breeder_id": id,
		"name":       orNil(b["name"]),
		"city":       orNil(b["city"]),
	}
}

// NormalizePerson handles jockeys and trainers, which share a shape.
func NormalizePerson(entity string, id int64, p map[string]any) map[string]any {
	return map[string]any{
		entity + "_id":    id,
		"first_name":      orNil(p["firstName"]),
		"last_name":       orNil(p["lastName"]),
		"licence_country": orNil(lookup(p, "licenceCountry", "alfa3")),
	}
}

func NormalizeHorse(id int64, h map[string]any, career, races any, log zerolog.Logger) map[string]any {
	return map[string]any{
		"horse_id":         id,
		"horse_name":       orNil(h["name"]),
		"horse_country":    orNil(h["suffix"]),
		"birth_year":       orNil(h["dateOfBirth"]),
		"horse_sex":        orNil(h["sex"]),
		"breed":            orNil(h["breed"]),
		"mother_id":        orNil(lookup(h, "mother", "id")),
		"father_id":        orNil(lookup(h, "father", "id")),
		"trainer_id":       orNil(lookup(h, "trainer", "id")),
		"breeder_id":       orNil(lookup(h, "breeders", "0", "id")),
		"color_name_pl":    orNil(lookup(h, "color", "polishName")),
		"color_name_en":    orNil(lookup(h, "color", "englishName")),
		"polish_breeding":  flag(h["horseFromPolishBreeding"]),
		"foreign_training": flag(h["horseRanInForeignTraining"]),
		"owner_name":       orNil(lookup(h, "raceOwners", "0", "name")),
		"career":           NormalizeCareer(career, log),
		"races":            NormalizeRaces(races),
	}
}

type careerBucket struct {
	row   map[string]any
	prize float64
}

// NormalizeCareer groups career rows by year and race type. Rows without a
// year carry only a prize; it is converted to PLN and added to the bucket
// of the preceding row.
func NormalizeCareer(raw any, log zerolog.Logger) []any {
	rows, ok := raw.([]any)
	if !ok {
		return []any{}
	}

	buckets := make(map[string]*careerBucket)
	var order []string
	var last *careerBucket
	for _, item := range rows {
		rec, ok := item.(map[string]any)
		if !ok {
			continue
		}
		if year := rec["raceYear"]; year != nil {
			typ := orNil(rec["raceType"])
			typeKey := "UNKNOWN"
			if t, ok := typ.(string); ok {
				typeKey = t
			}
			key := jsonText(year) + "::" + typeKey
			b, ok := buckets[key]
			if !ok {
				b = &careerBucket{row: map[string]any{
					"race_year":        year,
					"race_type":        typ,
					"horse_age":        orNil(rec["horseAge"]),
					"race_count":       orZero(rec["raceCount"]),
					"race_won_count":   orZero(rec["raceWonCount"]),
					"race_prize_count": orZero(rec["racePrizeCount"]),
					"prize_currencies": "PLN",
				}}
				buckets[key] = b
				order = append(order, key)
			}
			last = b
			continue
		}
		if last == nil {
			continue
		}
		if prize, ok := rec["prize"].(string); ok && prize != "" {
			last.prize += prizeInPLN(prize, log)
		}
	}

	out := make([]any, 0, len(order))
	for _, key := range order {
		b := buckets[key]
		b.row["prize_amounts"] = b.prize
		out = append(out, b.row)
	}
	return out
}

// prizeInPLN parses "1500,50 €" style amounts. Unknown currencies are
// taken at par.
func prizeInPLN(prize string, log zerolog.Logger) float64 {
	parts := strings.Fields(prize)
	if len(parts) == 0 {
		return 0
	}
	amount, err := strconv.ParseFloat(strings.Replace(parts[0], ",", ".", 1), 64)
	if err != nil {
		return 0
	}
	currency := "pln"
	if len(parts) > 1 {
		currency = strings.ToLower(parts[1])
	}
	rate, ok := fxToPLN[currency]
	if !ok {
		log.Warn().Str("currency", parts[1]).Msg("unmapped currency, using rate 1")
		rate = 1
	}
	return amount * rate
}

// NormalizeRaces maps race starts to rows feeding both races and
// race_records.
func NormalizeRaces(raw any) []any {
	rows, ok := raw.([]any)
	if !ok {
		return []any{}
	}
	out := make([]any, 0, len(rows))
	for _, item := range rows {
		r, ok := item.(map[string]any)
		if !ok {
			continue
		}
		race := lookup(r, "race")
		out = append(out, map[string]any{
			"horse_id":         orNil(lookup(r, "horse", "id")),
			"race_id":          orNil(lookup(race, "id")),
			"start_order":      orNil(r["order"]),
			"finish_place":     finishPlace(r["place"]),
			"jockey_weight_kg": orNil(r["jockeyWeight"]),
			"prize_amount":     orNil(r["prize"]),
			"prize_currency":   orNil(lookup(race, "currency", "code")),
			"jockey_id":        orNil(lookup(r, "jockey", "id")),
			"trainer_id":       orNil(lookup(r, "trainer", "id")),
			"race_number":      orNil(lookup(race, "number")),
			"race_name":        orNil(lookup(race, "name")),
			"video_url":        orNil(lookup(race, "video")),
			"race_date":        orNil(lookup(race, "date")),
			"currency_code":    orNil(lookup(race, "currency", "code")),
			"duration_ms":      orNil(lookup(race, "duration")),
			"track_distance_m": orNil(lookup(race, "trackDistance")),
			"temperature_c":    orNil(lookup(race, "temperature")),
			"weather":          orNil(lookup(race, "weather")),
			"race_group":       orNil(lookup(race, "group")),
			"subtype":          orNil(lookup(race, "subType")),
			"category_id":      orNil(lookup(race, "category", "id")),
			"category_breed":   orNil(lookup(race, "category", "horseBreed")),
			"category_name":    orNil(lookup(race, "category", "name")),
			"country_code":     orNil(lookup(race, "country", "alfa3")),
			"city_name":        orNil(lookup(race, "city", "name")),
			"track_type":       orNil(lookup(race, "trackType", "name")),
			"race_rules":       orNil(lookup(race, "fullConditions")),
			"payments":         orNil(lookup(race, "payments")),
			"race_style":       orNil(lookup(race, "style", "name")),
		})
	}
	return out
}

func finishPlace(v any) any {
	if n, ok := v.(json.Number); ok {
		if f, err := n.Float64(); err == nil && f > 0 {
			return n
		}
	}
	return "UNKNOWN"
}

func jsonText(v any) string {
	b, _ := json.Marshal(v)
	return string(b)
}
