package od

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"gopkg.in/ini.v1"
)

// EDS section names addressing objects and sub objects
var (
	matchIdxRegExp    = regexp.MustCompile(`^[0-9A-Fa-f]{4}$`)
	matchSubidxRegExp = regexp.MustCompile(`^([0-9A-Fa-f]{4})[Ss]ub([0-9A-Fa-f]+)$`)
)

// ParseEDS builds a dictionary from an EDS file. source can be a
// path or raw file contents, anything accepted by ini.Load.
func ParseEDS(source any) (*Dictionary, error) {
	cfg, err := ini.Load(source)
	if err != nil {
		return nil, fmt.Errorf("loading EDS failed : %w", err)
	}
	dict := NewDictionary()

	if info, err := cfg.GetSection("DeviceInfo"); err == nil {
		dict.DeviceInfo.ProductName = info.Key("ProductName").String()
		dict.DeviceInfo.VendorName = info.Key("VendorName").String()
		if n, err := parseNumber(info.Key("NrOfRXPDO").String()); err == nil {
			dict.DeviceInfo.NrOfRxPdo = uint8(n)
		}
		if n, err := parseNumber(info.Key("NrOfTXPDO").String()); err == nil {
			dict.DeviceInfo.NrOfTxPdo = uint8(n)
		}
	}

	for _, section := range cfg.Sections() {
		name := section.Name()
		if matchIdxRegExp.MatchString(name) {
			index, err := strconv.ParseUint(name, 16, 16)
			if err != nil {
				continue
			}
			// Plain VAR objects carry their value directly, records
			// and arrays get one entry per sub section below.
			if section.HasKey("SubNumber") {
				continue
			}
			entry, err := parseEntry(section, uint16(index), 0)
			if err != nil {
				return nil, err
			}
			dict.Add(entry)
			continue
		}
		if match := matchSubidxRegExp.FindStringSubmatch(name); match != nil {
			index, err := strconv.ParseUint(match[1], 16, 16)
			if err != nil {
				continue
			}
			sub, err := strconv.ParseUint(match[2], 16, 8)
			if err != nil {
				continue
			}
			entry, err := parseEntry(section, uint16(index), uint8(sub))
			if err != nil {
				return nil, err
			}
			dict.Add(entry)
		}
	}
	return dict, nil
}

func parseEntry(section *ini.Section, index uint16, sub uint8) (*Entry, error) {
	entry := &Entry{
		Index: index,
		Sub:   sub,
		Desc:  section.Key("ParameterName").String(),
	}
	if dt := section.Key("DataType").String(); dt != "" {
		code, err := parseNumber(dt)
		if err != nil {
			return nil, fmt.Errorf("entry %v : bad data type %q : %w", Key{index, sub}, dt, err)
		}
		entry.Type = DataType(code)
	}
	raw := strings.TrimSpace(section.Key("DefaultValue").String())
	if raw == "" {
		return entry, nil
	}
	data, offset, err := encodeDefault(entry.Type, raw)
	if err != nil {
		return nil, fmt.Errorf("entry %v : bad default %q : %w", Key{index, sub}, raw, err)
	}
	entry.DefaultValue = data
	entry.NodeIDOffset = offset
	return entry, nil
}

// encodeDefault encodes an EDS default value in little-endian wire
// order. "$NODEID+x" expressions mark the entry for the per-node
// offset rule instead of being resolved here.
func encodeDefault(dt DataType, raw string) (data []byte, nodeOffset bool, err error) {
	if dt == VisibleString || dt == OctetString || dt == Domain {
		return []byte(raw), false, nil
	}
	value, nodeOffset, err := parseMaybeNodeID(raw)
	if err != nil {
		return nil, false, err
	}
	size := dt.Size()
	if size == 0 {
		size = 4
	}
	data = make([]byte, size)
	for i := 0; i < size; i++ {
		data[i] = byte(value >> (8 * i))
	}
	return data, nodeOffset, nil
}

func parseMaybeNodeID(raw string) (uint64, bool, error) {
	upper := strings.ToUpper(raw)
	if !strings.Contains(upper, "$NODEID") {
		value, err := parseNumber(raw)
		return value, false, err
	}
	rest := strings.ReplaceAll(upper, "$NODEID", "")
	rest = strings.Trim(rest, "+ ")
	if rest == "" {
		return 0, true, nil
	}
	value, err := parseNumber(rest)
	return value, true, err
}

func parseNumber(raw string) (uint64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, fmt.Errorf("empty number")
	}
	if strings.HasPrefix(raw, "0x") || strings.HasPrefix(raw, "0X") {
		return strconv.ParseUint(raw[2:], 16, 64)
	}
	return strconv.ParseUint(raw, 10, 64)
}
