package creche

// noCopy makes go vet's copylocks check flag copies of any struct
// that embeds it. Lock and Unlock exist only to satisfy sync.Locker
// and are never called.
type noCopy struct{}

func (*noCopy) Lock()   {}
func (*noCopy) Unlock() {}
