package feed

import (
	"context"
	"sync"
	"time"

	"github.com/skridlevsky/expert-voter/internal/accounts"
	"github.com/skridlevsky/expert-voter/internal/strategy"
	"github.com/skridlevsky/expert-voter/internal/vk"
)

type recordedVote struct {
	OwnerID int64
	PostID  int64
	Vote    string
}

// fakeAPI serves feed pages keyed by cursor
type fakeAPI struct {
	mu sync.Mutex

	pages   map[string]*vk.FeedPage
	card    *vk.ExpertCard
	cardErr error
	authErr error

	// onAuth and onCard run with the 1-based call number and override
	// authErr and cardErr when set
	onAuth func(n int) error
	onCard func(n int) error
	// onFetch runs before every fetch with the 1-based fetch number. A non-nil
	// error is returned instead of the page.
	onFetch func(n int) error
	voteErr func(n int) error
	// rejected fails every vote on the listed post ids
	rejected map[int64]error
	// block makes fetches wait for cancellation
	block bool

	fetches []string
	votes   []recordedVote
	cards   int
	auths   int
}

func newFakeAPI(pages map[string]*vk.FeedPage) *fakeAPI {
	return &fakeAPI{
		pages: pages,
		card:  &vk.ExpertCard{FirstName: "Ivan", LastName: "Petrov", Points: 120},
	}
}

func (f *fakeAPI) Authenticate(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.auths++
	if f.onAuth != nil {
		return f.onAuth(f.auths)
	}
	return f.authErr
}

func (f *fakeAPI) FetchFeedPage(ctx context.Context, categoryID int, cursor string) (*vk.FeedPage, error) {
	f.mu.Lock()
	f.fetches = append(f.fetches, cursor)
	n := len(f.fetches)
	hook := f.onFetch
	block := f.block
	f.mu.Unlock()

	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	if hook != nil {
		if err := hook(n); err != nil {
			return nil, err
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	page, ok := f.pages[cursor]
	if !ok {
		return &vk.FeedPage{}, nil
	}
	return page, nil
}

func (f *fakeAPI) SetPostVote(ctx context.Context, ownerID, postID int64, newVote string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err, ok := f.rejected[postID]; ok {
		return err
	}
	if f.voteErr != nil {
		if err := f.voteErr(len(f.votes) + 1); err != nil {
			return err
		}
	}
	f.votes = append(f.votes, recordedVote{OwnerID: ownerID, PostID: postID, Vote: newVote})
	return nil
}

func (f *fakeAPI) GetExpertCard(ctx context.Context) (*vk.ExpertCard, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.cards++
	if f.onCard != nil {
		if err := f.onCard(f.cards); err != nil {
			return nil, err
		}
	} else if f.cardErr != nil {
		return nil, f.cardErr
	}
	card := *f.card
	return &card, nil
}

func (f *fakeAPI) Fetches() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.fetches...)
}

func (f *fakeAPI) Votes() []recordedVote {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]recordedVote(nil), f.votes...)
}

func (f *fakeAPI) Auths() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.auths
}

func (f *fakeAPI) Cards() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cards
}

func item(trackCode string, owner, post int64, rated bool, value int64) vk.FeedItem {
	return vk.FeedItem{
		TrackCode: trackCode,
		SourceID:  vk.Int(owner),
		PostID:    vk.Int(post),
		Rating:    vk.Rating{Rated: vk.Flag(rated), Value: vk.Int(value)},
	}
}

func testAccount(login string) accounts.Account {
	s, err := strategy.New("BaseStrategy", 20, -10)
	if err != nil {
		panic(err)
	}
	return accounts.Account{Login: login, Secret: "pw", CategoryID: 7, Strategy: s}
}

func testPollerConfig() PollerConfig {
	return PollerConfig{
		VoteSpacing:          0,
		ReportEvery:          5,
		MaxCycleRetries:      3,
		RetryInitialInterval: time.Millisecond,
		RetryMaxInterval:     5 * time.Millisecond,
	}
}
