package app

import (
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"

	"maskbrowser/internal/proxy"
	"maskbrowser/internal/shared/config"
	"maskbrowser/internal/shared/types"
)

// loadProfilesFromFile 读取 profiles.json。缺少 id 的档案被分配新 id 并立即写回。
func (s *AppServer) loadProfilesFromFile() error {
	profiles, err := config.LoadProfiles(s.profilesPath)
	if err != nil {
		return err
	}

	assigned := false
	loaded := make(map[string]*types.ProfileSpec, len(profiles))
	for _, p := range profiles {
		if p.ID == "" {
			p.ID = uuid.NewString()
			assigned = true
		}
		loaded[p.ID] = p
	}

	s.profilesLock.Lock()
	s.profiles = loaded
	s.profilesLock.Unlock()

	if assigned {
		if err := s.SaveProfilesToFile(); err != nil {
			s.logger.Error().Err(err).Msg("Failed to save profiles after assigning new IDs")
		}
	}
	s.logger.Info().Int("count", len(loaded)).Msg("Profiles loaded.")
	return nil
}

// SaveProfilesToFile 把当前档案按名称排序后写入 profiles.json。
func (s *AppServer) SaveProfilesToFile() error {
	profiles := s.ListProfiles()
	s.profilesFileLock.Lock()
	defer s.profilesFileLock.Unlock()
	return config.SaveProfiles(s.profilesPath, profiles)
}

// ListProfiles 返回按名称 (其次 id) 排序的档案副本。
func (s *AppServer) ListProfiles() []*types.ProfileSpec {
	s.profilesLock.RLock()
	out := make([]*types.ProfileSpec, 0, len(s.profiles))
	for _, p := range s.profiles {
		c := *p
		out = append(out, &c)
	}
	s.profilesLock.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Profile 返回一个档案的副本。
func (s *AppServer) Profile(id string) (types.ProfileSpec, bool) {
	s.profilesLock.RLock()
	defer s.profilesLock.RUnlock()
	p, found := s.profiles[id]
	if !found {
		return types.ProfileSpec{}, false
	}
	return *p, true
}

// SaveProfile 新增或替换一个档案。非空的代理字符串在保存前校验, 格式错误直接返回 FormatError。
func (s *AppServer) SaveProfile(p types.ProfileSpec) (types.ProfileSpec, error) {
	p.Proxy = strings.TrimSpace(p.Proxy)
	if p.Proxy != "" {
		if _, err := proxy.Normalize(p.Proxy, proxy.Scheme(p.Scheme)); err != nil {
			return types.ProfileSpec{}, err
		}
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	s.profilesLock.Lock()
	_, existed := s.profiles[p.ID]
	stored := p
	s.profiles[p.ID] = &stored
	s.profilesLock.Unlock()

	s.logger.Info().Str("profile_id", p.ID).Str("name", p.Name).Bool("updated", existed).Msg("Profile saved.")
	if err := s.SaveProfilesToFile(); err != nil {
		return p, fmt.Errorf("failed to persist profiles: %w", err)
	}
	return p, nil
}

// DeleteProfile 删除档案, 运行中的会话先被关闭。
func (s *AppServer) DeleteProfile(id string) error {
	s.profilesLock.Lock()
	if _, found := s.profiles[id]; !found {
		s.profilesLock.Unlock()
		return fmt.Errorf("%w: %s", ErrProfileNotFound, id)
	}
	delete(s.profiles, id)
	s.profilesLock.Unlock()

	if _, running := s.Session(id); running {
		if err := s.CloseProfile(id); err != nil {
			s.logger.Warn().Err(err).Str("profile_id", id).Msg("Failed to close session of deleted profile.")
		}
	}
	s.logger.Info().Str("profile_id", id).Msg("Profile deleted.")
	return s.SaveProfilesToFile()
}
