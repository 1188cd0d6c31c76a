package authz

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"
)

// DSL Syntax:
// default <role> <permissions>
// assign <user> <role> [expires:<rfc3339>] [by:<actor>]
// grant <user> <permission> [expires:<rfc3339>] [by:<actor>]
// policy <id> <resource>[/<instance>] <effect> <actions> [roles:<roles>] [priority:<n>] [window:<HH:MM-HH:MM>] [cidr:<block>] ["description"]
// engine <key>=<value>...

type DSLParser struct {
	line int
}

func NewDSLParser() *DSLParser {
	return &DSLParser{}
}

type DSLEncoder struct {
	buf []byte
}

func NewDSLEncoder() *DSLEncoder {
	return &DSLEncoder{buf: make([]byte, 0, 4096)}
}

func (e *DSLEncoder) Encode(cfg *Config) ([]byte, error) {
	e.buf = e.buf[:0]
	var tmp [20]byte

	if len(cfg.Defaults) > 0 {
		names := make([]string, 0, len(cfg.Defaults))
		for name := range cfg.Defaults {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			e.buf = append(e.buf, "default "...)
			e.buf = append(e.buf, name...)
			e.buf = append(e.buf, ' ')
			for i, id := range cfg.Defaults[name] {
				if i > 0 {
					e.buf = append(e.buf, ',')
				}
				e.buf = append(e.buf, id...)
			}
			e.buf = append(e.buf, '\n')
		}
	}

	for _, a := range cfg.Assignments {
		e.buf = append(e.buf, "assign "...)
		e.buf = append(e.buf, a.User...)
		e.buf = append(e.buf, ' ')
		e.buf = append(e.buf, a.Role...)
		if a.ExpiresAt != nil {
			e.buf = append(e.buf, " expires:"...)
			e.buf = append(e.buf, a.ExpiresAt.UTC().Format(time.RFC3339)...)
		}
		if a.By != "" {
			e.buf = append(e.buf, " by:"...)
			e.buf = append(e.buf, a.By...)
		}
		e.buf = append(e.buf, '\n')
	}

	for _, g := range cfg.Grants {
		e.buf = append(e.buf, "grant "...)
		e.buf = append(e.buf, g.User...)
		e.buf = append(e.buf, ' ')
		e.buf = append(e.buf, g.Permission...)
		if g.ExpiresAt != nil {
			e.buf = append(e.buf, " expires:"...)
			e.buf = append(e.buf, g.ExpiresAt.UTC().Format(time.RFC3339)...)
		}
		if g.By != "" {
			e.buf = append(e.buf, " by:"...)
			e.buf = append(e.buf, g.By...)
		}
		e.buf = append(e.buf, '\n')
	}

	for _, p := range cfg.Policies {
		e.buf = append(e.buf, "policy "...)
		e.buf = append(e.buf, p.ID...)
		e.buf = append(e.buf, ' ')
		e.buf = append(e.buf, p.Resource...)
		if p.ResourceID != "" {
			e.buf = append(e.buf, '/')
			e.buf = append(e.buf, p.ResourceID...)
		}
		e.buf = append(e.buf, ' ')
		e.buf = append(e.buf, p.Effect...)
		e.buf = append(e.buf, ' ')
		for i, a := range p.Actions {
			if i > 0 {
				e.buf = append(e.buf, ',')
			}
			e.buf = append(e.buf, a...)
		}
		if len(p.Roles) > 0 {
			e.buf = append(e.buf, " roles:"...)
			for i, r := range p.Roles {
				if i > 0 {
					e.buf = append(e.buf, ',')
				}
				e.buf = append(e.buf, r...)
			}
		}
		if p.Priority != 0 {
			e.buf = append(e.buf, " priority:"...)
			n := strconv.AppendInt(tmp[:0], int64(p.Priority), 10)
			e.buf = append(e.buf, n...)
		}
		for _, c := range p.Conditions {
			switch ConditionKind(c.Kind) {
			case ConditionTimeWindow:
				e.buf = append(e.buf, " window:"...)
				e.buf = append(e.buf, c.Start...)
				e.buf = append(e.buf, '-')
				e.buf = append(e.buf, c.End...)
			case ConditionIPRange:
				e.buf = append(e.buf, " cidr:"...)
				e.buf = append(e.buf, c.CIDR...)
			}
		}
		if p.Description != "" {
			e.buf = append(e.buf, " \""...)
			e.buf = append(e.buf, p.Description...)
			e.buf = append(e.buf, '"')
		}
		e.buf = append(e.buf, '\n')
	}

	if cfg.Engine != (EngineConfig{}) {
		e.buf = append(e.buf, "engine"...)
		if cfg.Engine.CacheTTL > 0 {
			e.buf = append(e.buf, " cache_ttl="...)
			n := strconv.AppendInt(tmp[:0], cfg.Engine.CacheTTL, 10)
			e.buf = append(e.buf, n...)
		}
		if cfg.Engine.CacheMaxEntries > 0 {
			e.buf = append(e.buf, " max_entries="...)
			n := strconv.AppendInt(tmp[:0], cfg.Engine.CacheMaxEntries, 10)
			e.buf = append(e.buf, n...)
		}
		if cfg.Engine.CacheNumCounters > 0 {
			e.buf = append(e.buf, " num_counters="...)
			n := strconv.AppendInt(tmp[:0], cfg.Engine.CacheNumCounters, 10)
			e.buf = append(e.buf, n...)
		}
		if cfg.Engine.CacheBuffer > 0 {
			e.buf = append(e.buf, " cache_buffer="...)
			n := strconv.AppendInt(tmp[:0], cfg.Engine.CacheBuffer, 10)
			e.buf = append(e.buf, n...)
		}
		if cfg.Engine.AuditBuffer > 0 {
			e.buf = append(e.buf, " audit_buffer="...)
			n := strconv.AppendInt(tmp[:0], int64(cfg.Engine.AuditBuffer), 10)
			e.buf = append(e.buf, n...)
		}
		if cfg.Engine.SweepInterval > 0 {
			e.buf = append(e.buf, " sweep_interval="...)
			n := strconv.AppendInt(tmp[:0], cfg.Engine.SweepInterval, 10)
			e.buf = append(e.buf, n...)
		}
		e.buf = append(e.buf, '\n')
	}

	return e.buf, nil
}

func (p *DSLParser) Parse(data []byte) (*Config, error) {
	cfg := &Config{
		Version:     1,
		Assignments: make([]AssignmentConfig, 0, 8),
		Grants:      make([]GrantConfig, 0, 8),
		Policies:    make([]PolicyConfig, 0, 8),
	}

	p.line = 0
	start := 0
	for i := 0; i <= len(data); i++ {
		if i == len(data) || data[i] == '\n' {
			p.line++
			line := data[start:i]
			start = i + 1

			for len(line) > 0 && (line[0] == ' ' || line[0] == '\t') {
				line = line[1:]
			}
			for len(line) > 0 && (line[len(line)-1] == ' ' || line[len(line)-1] == '\t' || line[len(line)-1] == '\r') {
				line = line[:len(line)-1]
			}

			if len(line) == 0 || line[0] == '#' {
				continue
			}

			parts := splitLineBytes(line)
			if len(parts) == 0 {
				continue
			}

			switch parts[0] {
			case "default":
				if err := p.parseDefault(cfg, parts[1:]); err != nil {
					return nil, fmt.Errorf("line %d: %w", p.line, err)
				}
			case "assign":
				if err := p.parseAssign(cfg, parts[1:]); err != nil {
					return nil, fmt.Errorf("line %d: %w", p.line, err)
				}
			case "grant":
				if err := p.parseGrant(cfg, parts[1:]); err != nil {
					return nil, fmt.Errorf("line %d: %w", p.line, err)
				}
			case "policy":
				if err := p.parsePolicy(cfg, parts[1:]); err != nil {
					return nil, fmt.Errorf("line %d: %w", p.line, err)
				}
			case "engine":
				if err := p.parseEngine(cfg, parts[1:]); err != nil {
					return nil, fmt.Errorf("line %d: %w", p.line, err)
				}
			default:
				return nil, fmt.Errorf("line %d: unknown directive: %s", p.line, parts[0])
			}
		}
	}

	return cfg, nil
}

func splitLineBytes(line []byte) []string {
	parts := make([]string, 0, 8)
	var start int
	inQuote := false
	i := 0

	for i < len(line) {
		ch := line[i]
		if ch == '"' {
			if inQuote {
				parts = append(parts, string(line[start:i]))
				start = i + 1
				inQuote = false
			} else {
				start = i + 1
				inQuote = true
			}
		} else if (ch == ' ' || ch == '\t') && !inQuote {
			if i > start {
				parts = append(parts, string(line[start:i]))
			}
			start = i + 1
		}
		i++
	}

	if start < len(line) {
		parts = append(parts, string(line[start:]))
	}

	return parts
}

func (p *DSLParser) parseDefault(cfg *Config, parts []string) error {
	if len(parts) < 2 {
		return fmt.Errorf("default requires: <role> <permissions>")
	}
	if cfg.Defaults == nil {
		cfg.Defaults = make(map[string][]string, 4)
	}
	cfg.Defaults[parts[0]] = splitList(parts[1])
	return nil
}

func (p *DSLParser) parseAssign(cfg *Config, parts []string) error {
	if len(parts) < 2 {
		return fmt.Errorf("assign requires: <user> <role> [expires:<rfc3339>] [by:<actor>]")
	}
	a := AssignmentConfig{User: parts[0], Role: parts[1]}
	for _, opt := range parts[2:] {
		switch {
		case strings.HasPrefix(opt, "expires:"):
			t, err := time.Parse(time.RFC3339, opt[8:])
			if err != nil {
				return fmt.Errorf("assign %s: bad expires %q", a.User, opt[8:])
			}
			a.ExpiresAt = &t
		case strings.HasPrefix(opt, "by:"):
			a.By = opt[3:]
		}
	}
	cfg.Assignments = append(cfg.Assignments, a)
	return nil
}

func (p *DSLParser) parseGrant(cfg *Config, parts []string) error {
	if len(parts) < 2 {
		return fmt.Errorf("grant requires: <user> <permission> [expires:<rfc3339>] [by:<actor>]")
	}
	g := GrantConfig{User: parts[0], Permission: parts[1]}
	for _, opt := range parts[2:] {
		switch {
		case strings.HasPrefix(opt, "expires:"):
			t, err := time.Parse(time.RFC3339, opt[8:])
			if err != nil {
				return fmt.Errorf("grant %s: bad expires %q", g.User, opt[8:])
			}
			g.ExpiresAt = &t
		case strings.HasPrefix(opt, "by:"):
			g.By = opt[3:]
		}
	}
	cfg.Grants = append(cfg.Grants, g)
	return nil
}

func (p *DSLParser) parsePolicy(cfg *Config, parts []string) error {
	if len(parts) < 4 {
		return fmt.Errorf("policy requires: <id> <resource>[/<instance>] <effect> <actions> [options]")
	}

	pc := PolicyConfig{
		ID:      parts[0],
		Effect:  parts[2],
		Actions: splitList(parts[3]),
	}
	resource, instance, _ := strings.Cut(parts[1], "/")
	pc.Resource = resource
	pc.ResourceID = instance

	for _, opt := range parts[4:] {
		switch {
		case strings.HasPrefix(opt, "roles:"):
			pc.Roles = splitList(opt[6:])
		case strings.HasPrefix(opt, "priority:"):
			n, err := strconv.Atoi(opt[9:])
			if err != nil {
				return fmt.Errorf("policy %s: bad priority %q", pc.ID, opt[9:])
			}
			pc.Priority = n
		case strings.HasPrefix(opt, "window:"):
			from, to, ok := strings.Cut(opt[7:], "-")
			if !ok {
				return fmt.Errorf("policy %s: bad window %q", pc.ID, opt[7:])
			}
			pc.Conditions = append(pc.Conditions, ConditionConfig{
				Kind:  string(ConditionTimeWindow),
				Start: from,
				End:   to,
			})
		case strings.HasPrefix(opt, "cidr:"):
			pc.Conditions = append(pc.Conditions, ConditionConfig{
				Kind: string(ConditionIPRange),
				CIDR: opt[5:],
			})
		default:
			// A bare (quoted) trailing token is the description.
			pc.Description = opt
		}
	}

	cfg.Policies = append(cfg.Policies, pc)
	return nil
}

func (p *DSLParser) parseEngine(cfg *Config, parts []string) error {
	for _, kv := range parts {
		idx := strings.Index(kv, "=")
		if idx == -1 {
			continue
		}
		key, val := kv[:idx], kv[idx+1:]
		switch key {
		case "cache_ttl":
			cfg.Engine.CacheTTL, _ = strconv.ParseInt(val, 10, 64)
		case "max_entries":
			cfg.Engine.CacheMaxEntries, _ = strconv.ParseInt(val, 10, 64)
		case "num_counters":
			cfg.Engine.CacheNumCounters, _ = strconv.ParseInt(val, 10, 64)
		case "cache_buffer":
			cfg.Engine.CacheBuffer, _ = strconv.ParseInt(val, 10, 64)
		case "audit_buffer":
			cfg.Engine.AuditBuffer, _ = strconv.Atoi(val)
		case "sweep_interval":
			cfg.Engine.SweepInterval, _ = strconv.ParseInt(val, 10, 64)
		}
	}
	return nil
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	count := 1
	for i := 0; i < len(s); i++ {
		if s[i] == ',' {
			count++
		}
	}
	out := make([]string, 0, count)
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ',' {
			if i > start {
				out = append(out, s[start:i])
			}
			start = i + 1
		}
	}
	return out
}

// Binary Protocol - Compact format
const (
	protoMagic   = 0x415A4231 // "AZB1"
	protoVersion = 1
)

type BinaryEncoder struct {
	buf *bytes.Buffer
}

func NewBinaryEncoder() *BinaryEncoder {
	return &BinaryEncoder{buf: &bytes.Buffer{}}
}

func (e *BinaryEncoder) Encode(cfg *Config) ([]byte, error) {
	e.buf.Reset()
	binary.Write(e.buf, binary.LittleEndian, uint32(protoMagic))
	binary.Write(e.buf, binary.LittleEndian, uint16(protoVersion))
	binary.Write(e.buf, binary.LittleEndian, cfg.Version)

	e.writeSection(1, func() { e.encodeDefaults(cfg.Defaults) })
	e.writeSection(2, func() { e.encodeAssignments(cfg.Assignments) })
	e.writeSection(3, func() { e.encodeGrants(cfg.Grants) })
	e.writeSection(4, func() { e.encodePolicies(cfg.Policies) })
	e.writeSection(5, func() { e.encodeEngine(&cfg.Engine) })

	return e.buf.Bytes(), nil
}

func (e *BinaryEncoder) writeSection(tag byte, fn func()) {
	tmp := &bytes.Buffer{}
	oldBuf := e.buf
	e.buf = tmp
	fn()
	e.buf = oldBuf
	e.buf.WriteByte(tag)
	binary.Write(e.buf, binary.LittleEndian, uint32(tmp.Len()))
	e.buf.Write(tmp.Bytes())
}

func (e *BinaryEncoder) writeStr(s string) {
	binary.Write(e.buf, binary.LittleEndian, uint16(len(s)))
	e.buf.WriteString(s)
}

func (e *BinaryEncoder) writeUnix(t *time.Time) {
	var exp int64
	if t != nil {
		exp = t.Unix()
	}
	binary.Write(e.buf, binary.LittleEndian, exp)
}

func (e *BinaryEncoder) encodeDefaults(defaults map[string][]string) {
	names := make([]string, 0, len(defaults))
	for name := range defaults {
		names = append(names, name)
	}
	sort.Strings(names)
	binary.Write(e.buf, binary.LittleEndian, uint16(len(names)))
	for _, name := range names {
		e.writeStr(name)
		perms := defaults[name]
		binary.Write(e.buf, binary.LittleEndian, uint8(len(perms)))
		for _, p := range perms {
			e.writeStr(p)
		}
	}
}

func (e *BinaryEncoder) encodeAssignments(assignments []AssignmentConfig) {
	binary.Write(e.buf, binary.LittleEndian, uint16(len(assignments)))
	for _, a := range assignments {
		e.writeStr(a.User)
		e.writeStr(a.Role)
		e.writeUnix(a.ExpiresAt)
		e.writeStr(a.By)
	}
}

func (e *BinaryEncoder) encodeGrants(grants []GrantConfig) {
	binary.Write(e.buf, binary.LittleEndian, uint16(len(grants)))
	for _, g := range grants {
		e.writeStr(g.User)
		e.writeStr(g.Permission)
		e.writeUnix(g.ExpiresAt)
		e.writeStr(g.By)
	}
}

func (e *BinaryEncoder) encodePolicies(policies []PolicyConfig) {
	binary.Write(e.buf, binary.LittleEndian, uint16(len(policies)))
	for _, p := range policies {
		e.writeStr(p.ID)
		e.writeStr(p.Resource)
		e.writeStr(p.ResourceID)
		binary.Write(e.buf, binary.LittleEndian, int16(p.Priority))
		e.buf.WriteByte(map[string]byte{string(EffectAllow): 1, string(EffectDeny): 2}[p.Effect])
		binary.Write(e.buf, binary.LittleEndian, uint8(len(p.Roles)))
		for _, r := range p.Roles {
			e.writeStr(r)
		}
		binary.Write(e.buf, binary.LittleEndian, uint8(len(p.Actions)))
		for _, a := range p.Actions {
			e.writeStr(a)
		}
		binary.Write(e.buf, binary.LittleEndian, uint8(len(p.Conditions)))
		for _, c := range p.Conditions {
			e.buf.WriteByte(map[string]byte{string(ConditionTimeWindow): 1, string(ConditionIPRange): 2}[c.Kind])
			e.writeStr(c.Start)
			e.writeStr(c.End)
			e.writeStr(c.CIDR)
		}
		e.writeStr(p.Description)
	}
}

func (e *BinaryEncoder) encodeEngine(cfg *EngineConfig) {
	binary.Write(e.buf, binary.LittleEndian, cfg.CacheTTL)
	binary.Write(e.buf, binary.LittleEndian, cfg.CacheMaxEntries)
	binary.Write(e.buf, binary.LittleEndian, cfg.CacheNumCounters)
	binary.Write(e.buf, binary.LittleEndian, cfg.CacheBuffer)
	binary.Write(e.buf, binary.LittleEndian, int32(cfg.AuditBuffer))
	binary.Write(e.buf, binary.LittleEndian, cfg.SweepInterval)
}

type BinaryDecoder struct {
	r *bytes.Reader
}

func NewBinaryDecoder(data []byte) *BinaryDecoder {
	return &BinaryDecoder{r: bytes.NewReader(data)}
}

func (d *BinaryDecoder) Decode() (*Config, error) {
	var magic uint32
	var ver, cfgVer uint16
	binary.Read(d.r, binary.LittleEndian, &magic)
	binary.Read(d.r, binary.LittleEndian, &ver)
	binary.Read(d.r, binary.LittleEndian, &cfgVer)

	if magic != protoMagic {
		return nil, fmt.Errorf("invalid magic: %x", magic)
	}

	cfg := &Config{Version: cfgVer}

	for {
		var tag byte
		if err := binary.Read(d.r, binary.LittleEndian, &tag); err == io.EOF {
			break
		} else if err != nil {
			return nil, err
		}

		var size uint32
		binary.Read(d.r, binary.LittleEndian, &size)
		data := make([]byte, size)
		io.ReadFull(d.r, data)
		dr := bytes.NewReader(data)

		switch tag {
		case 1:
			cfg.Defaults = d.decodeDefaults(dr)
		case 2:
			cfg.Assignments = d.decodeAssignments(dr)
		case 3:
			cfg.Grants = d.decodeGrants(dr)
		case 4:
			cfg.Policies = d.decodePolicies(dr)
		case 5:
			cfg.Engine = d.decodeEngine(dr)
		}
	}

	return cfg, nil
}

func (d *BinaryDecoder) readStr(r *bytes.Reader) string {
	var l uint16
	binary.Read(r, binary.LittleEndian, &l)
	b := make([]byte, l)
	r.Read(b)
	return string(b)
}

func (d *BinaryDecoder) readUnix(r *bytes.Reader) *time.Time {
	var exp int64
	binary.Read(r, binary.LittleEndian, &exp)
	if exp <= 0 {
		return nil
	}
	t := time.Unix(exp, 0).UTC()
	return &t
}

func (d *BinaryDecoder) decodeDefaults(r *bytes.Reader) map[string][]string {
	var count uint16
	binary.Read(r, binary.LittleEndian, &count)
	if count == 0 {
		return nil
	}
	defaults := make(map[string][]string, count)
	for i := 0; i < int(count); i++ {
		name := d.readStr(r)
		var permCount uint8
		binary.Read(r, binary.LittleEndian, &permCount)
		perms := make([]string, permCount)
		for j := range perms {
			perms[j] = d.readStr(r)
		}
		defaults[name] = perms
	}
	return defaults
}

func (d *BinaryDecoder) decodeAssignments(r *bytes.Reader) []AssignmentConfig {
	var count uint16
	binary.Read(r, binary.LittleEndian, &count)
	assignments := make([]AssignmentConfig, count)
	for i := range assignments {
		assignments[i].User = d.readStr(r)
		assignments[i].Role = d.readStr(r)
		assignments[i].ExpiresAt = d.readUnix(r)
		assignments[i].By = d.readStr(r)
	}
	return assignments
}

func (d *BinaryDecoder) decodeGrants(r *bytes.Reader) []GrantConfig {
	var count uint16
	binary.Read(r, binary.LittleEndian, &count)
	grants := make([]GrantConfig, count)
	for i := range grants {
		grants[i].User = d.readStr(r)
		grants[i].Permission = d.readStr(r)
		grants[i].ExpiresAt = d.readUnix(r)
		grants[i].By = d.readStr(r)
	}
	return grants
}

func (d *BinaryDecoder) decodePolicies(r *bytes.Reader) []PolicyConfig {
	var count uint16
	binary.Read(r, binary.LittleEndian, &count)
	policies := make([]PolicyConfig, count)
	for i := range policies {
		p := PolicyConfig{}
		p.ID = d.readStr(r)
		p.Resource = d.readStr(r)
		p.ResourceID = d.readStr(r)
		var pri int16
		binary.Read(r, binary.LittleEndian, &pri)
		p.Priority = int(pri)
		eff, _ := r.ReadByte()
		p.Effect = map[byte]string{1: string(EffectAllow), 2: string(EffectDeny)}[eff]
		var roleCount uint8
		binary.Read(r, binary.LittleEndian, &roleCount)
		if roleCount > 0 {
			p.Roles = make([]string, roleCount)
			for j := range p.Roles {
				p.Roles[j] = d.readStr(r)
			}
		}
		var actCount uint8
		binary.Read(r, binary.LittleEndian, &actCount)
		p.Actions = make([]string, actCount)
		for j := range p.Actions {
			p.Actions[j] = d.readStr(r)
		}
		var condCount uint8
		binary.Read(r, binary.LittleEndian, &condCount)
		if condCount > 0 {
			p.Conditions = make([]ConditionConfig, condCount)
			for j := range p.Conditions {
				kind, _ := r.ReadByte()
				p.Conditions[j].Kind = map[byte]string{1: string(ConditionTimeWindow), 2: string(ConditionIPRange)}[kind]
				p.Conditions[j].Start = d.readStr(r)
				p.Conditions[j].End = d.readStr(r)
				p.Conditions[j].CIDR = d.readStr(r)
			}
		}
		p.Description = d.readStr(r)
		policies[i] = p
	}
	return policies
}

func (d *BinaryDecoder) decodeEngine(r *bytes.Reader) EngineConfig {
	cfg := EngineConfig{}
	binary.Read(r, binary.LittleEndian, &cfg.CacheTTL)
	binary.Read(r, binary.LittleEndian, &cfg.CacheMaxEntries)
	binary.Read(r, binary.LittleEndian, &cfg.CacheNumCounters)
	binary.Read(r, binary.LittleEndian, &cfg.CacheBuffer)
	var ab int32
	binary.Read(r, binary.LittleEndian, &ab)
	cfg.AuditBuffer = int(ab)
	binary.Read(r, binary.LittleEndian, &cfg.SweepInterval)
	return cfg
}
