package auth

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/suite"
)

type CacheTestSuite struct {
	suite.Suite

	clock *clock.Mock
	cache *Cache
}

func TestCacheTestSuite(t *testing.T) {
	suite.Run(t, new(CacheTestSuite))
}

func (s *CacheTestSuite) SetupTest() {
	s.clock = clock.NewMock()
	s.cache = NewCache(s.clock)
}

var exampleOrigin = Origin{Scheme: "https", Host: "example.com", Port: 443}

func space(realm string) Space {
	return Space{Origin: exampleOrigin, Realm: realm, Scheme: SchemeBasic, Target: TargetServer}
}

func basicChallenge(realm string) Challenge {
	return Challenge{Scheme: SchemeBasic, Realm: realm, Params: map[string]string{"realm": realm}}
}

func (s *CacheTestSuite) TestStoreLookupEvict() {
	creds := Credentials{Username: "u", Password: "p"}
	s.cache.Store(space("r"), creds, basicChallenge("r"), "/a/b/index.html")

	e, ok := s.cache.Lookup(space("r"))
	s.Require().True(ok)
	s.Equal(creds, e.Credentials)
	s.Equal([]string{"/a/b/"}, e.Paths)
	s.Equal(s.clock.Now(), e.Created)

	_, ok = s.cache.Lookup(space("other"))
	s.False(ok)

	s.True(s.cache.Evict(space("r")))
	s.False(s.cache.Evict(space("r")))
	_, ok = s.cache.Lookup(space("r"))
	s.False(ok)
}

func (s *CacheTestSuite) TestRealmsAreNotMerged() {
	s.cache.Store(space("one"), Credentials{Username: "a"}, basicChallenge("one"), "/")
	s.cache.Store(space("two"), Credentials{Username: "b"}, basicChallenge("two"), "/")

	e1, ok := s.cache.Lookup(space("one"))
	s.Require().True(ok)
	e2, ok := s.cache.Lookup(space("two"))
	s.Require().True(ok)
	s.Equal("a", e1.Credentials.Username)
	s.Equal("b", e2.Credentials.Username)
	s.Equal(2, s.cache.Len())
}

func (s *CacheTestSuite) TestHostNormalization() {
	upper := space("r")
	upper.Origin.Host = "EXAMPLE.com"
	upper.Origin.Scheme = "HTTPS"
	s.cache.Store(upper, Credentials{Username: "u"}, basicChallenge("r"), "/")

	_, ok := s.cache.Lookup(space("r"))
	s.True(ok)

	idn := Origin{Scheme: "http", Host: "bücher.example", Port: 80}
	s.cache.Store(Space{Origin: idn, Realm: "r", Scheme: "Basic"}, Credentials{Username: "u"}, basicChallenge("r"), "/")
	_, ok = s.cache.Lookup(Space{
		Origin: Origin{Scheme: "http", Host: "xn--bcher-kva.example", Port: 80},
		Realm:  "r",
		Scheme: SchemeBasic,
	})
	s.True(ok)
}

func (s *CacheTestSuite) TestPreemptiveLookupLongestPrefix() {
	s.cache.Store(space("root"), Credentials{Username: "root"}, basicChallenge("root"), "/index.html")
	s.cache.Store(space("deep"), Credentials{Username: "deep"}, basicChallenge("deep"), "/a/b/c.html")

	testcases := []struct {
		desc     string
		path     string
		expected string
		found    bool
	}{
		{desc: "deep path", path: "/a/b/x/y", expected: "deep", found: true},
		{desc: "sibling", path: "/a/c", expected: "root", found: true},
		{desc: "root", path: "/", expected: "root", found: true},
		{desc: "relative", path: "nope", found: false},
	}

	for _, tc := range testcases {
		s.Run(tc.desc, func() {
			e, ok := s.cache.PreemptiveLookup(TargetServer, exampleOrigin, tc.path)
			s.Equal(tc.found, ok)
			if tc.found {
				s.Equal(tc.expected, e.Credentials.Username)
			}
		})
	}

	_, ok := s.cache.PreemptiveLookup(TargetProxy, exampleOrigin, "/a/b/")
	s.False(ok, "targets do not mix")
}

func (s *CacheTestSuite) TestPathsCollapse() {
	sp := space("r")
	s.cache.Store(sp, Credentials{}, basicChallenge("r"), "/a/b/c")
	s.cache.Store(sp, Credentials{}, basicChallenge("r"), "/a/d/e")
	s.cache.Store(sp, Credentials{}, basicChallenge("r"), "/a/b/z/q")
	s.cache.Store(sp, Credentials{}, basicChallenge("r"), "/a/x")

	e, ok := s.cache.Lookup(sp)
	s.Require().True(ok)
	s.Equal([]string{"/a/"}, e.Paths)

	for i := range 2 * maxPathsPerEntry {
		s.cache.Store(space("many"), Credentials{}, basicChallenge("many"), fmt.Sprintf("/%d/x", i))
	}
	e, ok = s.cache.Lookup(space("many"))
	s.Require().True(ok)
	s.Len(e.Paths, maxPathsPerEntry)
}

func (s *CacheTestSuite) TestLookupReturnsCopy() {
	s.cache.Store(space("r"), Credentials{Username: "u"}, basicChallenge("r"), "/a/")

	e, _ := s.cache.Lookup(space("r"))
	e.Paths[0] = "/mutated/"
	e.Challenge.Params["realm"] = "mutated"

	again, _ := s.cache.Lookup(space("r"))
	s.Equal([]string{"/a/"}, again.Paths)
	s.Equal("r", again.Challenge.Params["realm"])
}

func (s *CacheTestSuite) TestLastUsed() {
	s.cache.Store(space("r"), Credentials{}, basicChallenge("r"), "/")
	s.clock.Add(time.Minute)

	e, _ := s.cache.Lookup(space("r"))
	s.Equal(s.clock.Now(), e.LastUsed)
	s.Equal(s.clock.Now().Add(-time.Minute), e.Created)
}

func (s *CacheTestSuite) TestClearOrigin() {
	s.cache.Store(space("a"), Credentials{}, basicChallenge("a"), "/")
	s.cache.Store(space("b"), Credentials{}, basicChallenge("b"), "/")
	other := Space{Origin: Origin{Scheme: "https", Host: "other.com", Port: 443}, Realm: "a", Scheme: SchemeBasic}
	s.cache.Store(other, Credentials{}, basicChallenge("a"), "/")

	s.Equal(2, s.cache.ClearOrigin(TargetServer, exampleOrigin))
	s.Equal(1, s.cache.Len())
}

func (s *CacheTestSuite) TestConcurrentAccess() {
	var wg sync.WaitGroup
	for i := range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			origin := Origin{Scheme: "http", Host: fmt.Sprintf("h%d.example", i%4), Port: 80}
			sp := Space{Origin: origin, Realm: fmt.Sprint(i), Scheme: SchemeBasic}
			for range 100 {
				s.cache.Store(sp, Credentials{Username: "u"}, basicChallenge(sp.Realm), "/x/y")
				s.cache.Lookup(sp)
				s.cache.PreemptiveLookup(TargetServer, origin, "/x/y/z")
			}
			s.cache.Evict(sp)
		}()
	}
	wg.Wait()

	s.Zero(s.cache.Len())
}
