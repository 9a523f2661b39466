package dataset

var acceptableLicenses = map[string]struct{}{
	"http://www.opendefinition.org/licenses/odc-pddl":                            {},
	"https://creativecommons.org/publicdomain/zero/1.0/":                         {},
	"https://www.nationalarchives.gov.uk/doc/open-government-licence/version/2/": {},
	"http://www.nationalarchives.gov.uk/doc/open-government-licence/version/3/":  {},
	"https://creativecommons.org/licenses/by/4.0/":                               {},
	"https://creativecommons.org/licenses/by-sa/3.0/":                            {},
	"https://creativecommons.org/licenses/by-sa/4.0/":                            {},
}

// Not relicensable as CC-BY.
var unacceptableLicenses = map[string]struct{}{
	"": {},
	"https://www.nationalarchives.gov.uk/doc/open-government-licence/version/1/": {},
	"https://creativecommons.org/licenses/by-nc/4.0/":                            {},
	"https://creativecommons.org/licenses/by-nc-sa/4.0/":                         {},
}

// LicenseKnown reports whether license is on either the acceptable or the unacceptable list.
// Unknown licences stop a record before any download.
func LicenseKnown(license string) bool {
	if _, ok := acceptableLicenses[license]; ok {
		return true
	}
	_, ok := unacceptableLicenses[license]
	return ok
}

// LicenseAcceptable reports whether license permits reuse.
func LicenseAcceptable(license string) bool {
	_, ok := acceptableLicenses[license]
	return ok
}
