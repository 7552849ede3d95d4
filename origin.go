package blockdoc

// Origin tags a transaction with where its changes came from. Update
// listeners use it to tell edits made here, which must be published,
// from edits received off the wire, which must not be echoed back.
type Origin string

const (
	OriginLocal  Origin = "local"
	OriginRemote Origin = "remote"
)

func (o Origin) IsRemote() bool {
	return o == OriginRemote
}

func (o Origin) String() string {
	if o == "" {
		return string(OriginLocal)
	}
	return string(o)
}
