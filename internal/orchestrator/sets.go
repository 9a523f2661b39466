package orchestrator

import "github.com/JakeFAU/datagetter/internal/dataset"

// Snapshot file names written at the data directory root.
const (
	SnapshotAll                    = "data_all.json"
	SnapshotValid                  = "data_valid.json"
	SnapshotAcceptableLicense      = "data_acceptable_license.json"
	SnapshotAcceptableLicenseValid = "data_acceptable_license_valid.json"
	SnapshotOriginal               = "data_original.json"
)

// Sets are the classification views over one run's records, each in registry order.
type Sets struct {
	All                    []dataset.Record
	Valid                  []dataset.Record
	AcceptableLicense      []dataset.Record
	AcceptableLicenseValid []dataset.Record
}

// Classify derives the sets from the records alone. A record joins Valid when it validated and
// AcceptableLicense when its licence permits reuse and it has an artifact to share.
func Classify(records []dataset.Record) Sets {
	sets := Sets{
		All:                    make([]dataset.Record, 0, len(records)),
		Valid:                  []dataset.Record{},
		AcceptableLicense:      []dataset.Record{},
		AcceptableLicenseValid: []dataset.Record{},
	}
	for _, rec := range records {
		sets.All = append(sets.All, rec)
		meta := rec.Metadata
		_, converted := meta.Converted()
		valid := meta.IsValid() && converted
		acceptable := meta.AcceptableLicense && converted
		if valid {
			sets.Valid = append(sets.Valid, rec)
		}
		if acceptable {
			sets.AcceptableLicense = append(sets.AcceptableLicense, rec)
		}
		if valid && acceptable {
			sets.AcceptableLicenseValid = append(sets.AcceptableLicenseValid, rec)
		}
	}
	return sets
}

type snapshot struct {
	name    string
	records []dataset.Record
}

func (s Sets) snapshots() []snapshot {
	return []snapshot{
		{SnapshotAll, s.All},
		{SnapshotValid, s.Valid},
		{SnapshotAcceptableLicense, s.AcceptableLicense},
		{SnapshotAcceptableLicenseValid, s.AcceptableLicenseValid},
	}
}
