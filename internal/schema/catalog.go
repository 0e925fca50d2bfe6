package schema

import (
	"sort"

	"github.com/pkg/errors"
)

const (
	Breeders     = "breeders"
	Jockeys      = "jockeys"
	Trainers     = "trainers"
	Horses       = "horses"
	HorseCareers = "horse_careers"
	Races        = "races"
	RaceRecords  = "race_records"
)

// Catalog lists the production relations in merge order: referenced
// relations come before the relations that reference them.
var Catalog = []Relation{
	{
		Name: Breeders,
		Keys: []string{"breeder_id"},
		Columns: []Column{
			{"breeder_id", Int},
			{"name", Text},
			{"city", Text},
		},
	},
	{
		Name: Jockeys,
		Keys: []string{"jockey_id"},
		Columns: []Column{
			{"jockey_id", Int},
			{"first_name", Text},
			{"last_name", Text},
			{"licence_country", Text},
		},
	},
	{
		Name: Trainers,
		Keys: []string{"trainer_id"},
		Columns: []Column{
			{"trainer_id", Int},
			{"first_name", Text},
			{"last_name", Text},
			{"licence_country", Text},
		},
	},
	{
		Name: Horses,
		Keys: []string{"horse_id"},
		Columns: []Column{
			{"horse_id", Int},
			{"horse_name", Text},
			{"horse_country", Text},
			{"birth_year", Text},
			{"horse_sex", Text},
			{"breed", Text},
			{"mother_id", Int},
			{"father_id", Int},
			{"trainer_id", Int},
			{"breeder_id", Int},
			{"color_name_pl", Text},
			{"color_name_en", Text},
			{"polish_breeding", Bool},
			{"foreign_training", Bool},
			{"owner_name", Text},
		},
	},
	{
		Name: HorseCareers,
		Keys: []string{"horse_id", "race_year", "race_type"},
		Columns: []Column{
			{"horse_id", Int},
			{"race_year", Int},
			{"race_type", Text},
			{"horse_age", Int},
			{"race_count", Int},
			{"race_won_count", Int},
			{"race_prize_count", Int},
			{"prize_amounts", Text},
			{"prize_currencies", Text},
		},
	},
	{
		Name: Races,
		Keys: []string{"race_id"},
		Columns: []Column{
			{"race_id", Int},
			{"race_number", Int},
			{"race_name", Text},
			{"race_date", Int},
			{"currency_code", Text},
			{"duration_ms", Int},
			{"track_distance_m", Int},
			{"temperature_c", Float},
			{"weather", Text},
			{"race_group", Text},
			{"subtype", Text},
			{"category_id", Int},
			{"category_breed", Text},
			{"category_name", Text},
			{"country_code", Text},
			{"city_name", Text},
			{"track_type", Text},
			{"video_url", Text},
			{"race_rules", Text},
			{"payments", Text},
			{"race_style", Text},
		},
	},
	{
		Name: RaceRecords,
		Keys: []string{"race_record_id"},
		Columns: []Column{
			{"race_record_id", Text},
			{"race_id", Int},
			{"horse_id", Int},
			{"start_order", Int},
			{"finish_place", Text},
			{"jockey_weight_kg", Float},
			{"prize_amount", Text},
			{"prize_currency", Text},
			{"jockey_id", Int},
			{"trainer_id", Int},
		},
	},
}

// DefaultSources maps each source prefix to the relations its cleaned
// snapshots feed.
var DefaultSources = map[string][]string{
	"breeder_data/": {Breeders},
	"jockey_data/":  {Jockeys},
	"trainer_data/": {Trainers},
	"horse_data/":   {Horses, HorseCareers, Races, RaceRecords},
}

// Lookup returns the relation with the given name.
func Lookup(name string) (Relation, bool) {
	for _, r := range Catalog {
		if r.Name == name {
			return r, true
		}
	}
	return Relation{}, false
}

// Ordered resolves names against the catalog and returns the relations in
// merge order, regardless of the order the names were given in.
func Ordered(names []string) ([]Relation, error) {
	pos := make(map[string]int, len(Catalog))
	for i, r := range Catalog {
		pos[r.Name] = i
	}
	seen := make(map[string]bool, len(names))
	out := make([]Relation, 0, len(names))
	for _, n := range names {
		i, ok := pos[n]
		if !ok {
			return nil, errors.Errorf("unknown relation %q", n)
		}
		if seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, Catalog[i])
	}
	sort.SliceStable(out, func(a, b int) bool { return pos[out[a].Name] < pos[out[b].Name] })
	return out, nil
}
