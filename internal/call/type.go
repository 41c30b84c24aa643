package call

import (
	"fmt"
	"sort"
	"strings"
)

// Type is the kind of API call. Its string value is the path segment the
// remote service expects (e.g. "freqs" in /bonito/run.cgi/freqs).
type Type string

const (
	AttrVals           Type = "attr_vals"
	Collx              Type = "collx"
	CorpInfo           Type = "corp_info"
	ExtractKeywords    Type = "extract_keywords"
	Freqml             Type = "freqml"
	Freqs              Type = "freqs"
	Freqtt             Type = "freqtt"
	Subcorp            Type = "subcorp"
	TextTypesWithNorms Type = "texttypes_with_norms"
	Thes               Type = "thes"
	View               Type = "view"
	Wordlist           Type = "wordlist"
	Wsdiff             Type = "wsdiff"
	Wsketch            Type = "wsketch"
)

// TypeInfo is the static definition of a call type.
type TypeInfo struct {
	Type Type
	// Name is the variant name accepted in input files besides the wire name.
	Name     string
	Required []string
	Formats  []Format
	// Unordered lists parameters whose sequence values are sorted before hashing.
	Unordered []string
	// Defaults are applied to a spec when the parameter is absent or empty.
	Defaults Params
}

var allFormats = []Format{JSON, CSV, XLSX, XML, TXT}

var jsonOnly = []Format{JSON}

var registry = map[Type]TypeInfo{
	AttrVals:           {Type: AttrVals, Name: "AttrVals", Required: []string{"corpname", "avattr"}, Formats: jsonOnly},
	Collx:              {Type: Collx, Name: "Collx", Required: []string{"corpname", "q"}, Formats: allFormats, Unordered: []string{"cbgrfns"}},
	CorpInfo:           {Type: CorpInfo, Name: "CorpInfo", Required: []string{"corpname"}, Formats: jsonOnly},
	ExtractKeywords:    {Type: ExtractKeywords, Name: "ExtractKeywords", Required: []string{"corpname", "ref_corpname"}, Formats: allFormats},
	Freqml:             {Type: Freqml, Name: "Freqml", Required: []string{"corpname", "q", "fcrit"}, Formats: allFormats, Unordered: []string{"fcrit"}},
	Freqs:              {Type: Freqs, Name: "Freqs", Required: []string{"corpname", "q", "fcrit"}, Formats: allFormats, Unordered: []string{"fcrit"}},
	Freqtt:             {Type: Freqtt, Name: "Freqtt", Required: []string{"corpname", "q", "fcrit"}, Formats: allFormats, Unordered: []string{"fcrit"}},
	Subcorp:            {Type: Subcorp, Name: "Subcorp", Required: []string{"corpname"}, Formats: jsonOnly},
	TextTypesWithNorms: {Type: TextTypesWithNorms, Name: "TextTypesWithNorms", Required: []string{"corpname"}, Formats: jsonOnly},
	Thes:               {Type: Thes, Name: "Thes", Required: []string{"corpname", "lemma"}, Formats: allFormats},
	View:               {Type: View, Name: "View", Required: []string{"corpname", "q"}, Formats: allFormats, Defaults: Params{"asyn": 0}},
	Wordlist:           {Type: Wordlist, Name: "Wordlist", Required: []string{"corpname", "wltype", "wlattr"}, Formats: allFormats},
	Wsdiff:             {Type: Wsdiff, Name: "Wsdiff", Required: []string{"corpname", "lemma", "lemma2"}, Formats: allFormats},
	Wsketch:            {Type: Wsketch, Name: "Wsketch", Required: []string{"corpname", "lemma"}, Formats: allFormats},
}

// Info returns the static definition of t.
func (t Type) Info() (TypeInfo, bool) {
	info, ok := registry[t]
	return info, ok
}

func (t Type) Valid() bool {
	_, ok := registry[t]
	return ok
}

// AllowsFormat reports whether f is an accepted output format for t.
func (t Type) AllowsFormat(f Format) bool {
	info, ok := registry[t]
	if !ok {
		return false
	}
	for _, allowed := range info.Formats {
		if allowed == f {
			return true
		}
	}
	return false
}

func (t Type) unordered(key string) bool {
	for _, k := range registry[t].Unordered {
		if k == key {
			return true
		}
	}
	return false
}

// ParseType accepts a wire name ("corp_info") or a variant name ("CorpInfo"),
// case-insensitively.
func ParseType(s string) (Type, error) {
	v := strings.TrimSpace(s)
	for t, info := range registry {
		if strings.EqualFold(v, string(t)) || strings.EqualFold(v, info.Name) {
			return t, nil
		}
	}
	return "", fmt.Errorf("unknown call type %q (want one of %s)", s, strings.Join(TypeNames(), ", "))
}

// TypeNames lists the wire names of every call type in lexical order.
func TypeNames() []string {
	out := make([]string, 0, len(registry))
	for t := range registry {
		out = append(out, string(t))
	}
	sort.Strings(out)
	return out
}
